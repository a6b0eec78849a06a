//go:build !gpuwatch_debug

package usage

const strictDefault = false
