package tensor

// ConvGeometry describes a square sliding window over one C×H×W image.
type ConvGeometry struct {
	Channels, Height, Width int
	Kernel, Stride, Pad     int
}

func (g ConvGeometry) OutHeight() int { return (g.Height+2*g.Pad-g.Kernel)/g.Stride + 1 }
func (g ConvGeometry) OutWidth() int  { return (g.Width+2*g.Pad-g.Kernel)/g.Stride + 1 }

// ColRows is the row count of the im2col matrix (C·K·K).
func (g ConvGeometry) ColRows() int { return g.Channels * g.Kernel * g.Kernel }

// ColCols is the column count of the im2col matrix (OH·OW).
func (g ConvGeometry) ColCols() int { return g.OutHeight() * g.OutWidth() }

// Pointwise reports whether the window is a 1×1 stride-1 unpadded one, for which the image already is its
// own column matrix.
func (g ConvGeometry) Pointwise() bool { return g.Kernel == 1 && g.Stride == 1 && g.Pad == 0 }

// Im2Col unrolls src (C·H·W) into dst (C·K·K rows × OH·OW columns). Padding reads as zero.
func Im2Col(g ConvGeometry, src, dst []float32) {
	oh, ow := g.OutHeight(), g.OutWidth()
	plane := oh * ow
	k := g.Kernel
	for c := 0; c < g.Channels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := (c*k+ky)*k + kx
				out := dst[row*plane : (row+1)*plane]
				for oy := 0; oy < oh; oy++ {
					line := out[oy*ow : (oy+1)*ow]
					iy := oy*g.Stride - g.Pad + ky
					if iy < 0 || iy >= g.Height {
						clear(line)
						continue
					}
					in := src[(c*g.Height+iy)*g.Width : (c*g.Height+iy+1)*g.Width]
					for ox := range line {
						ix := ox*g.Stride - g.Pad + kx
						if ix < 0 || ix >= g.Width {
							line[ox] = 0
						} else {
							line[ox] = in[ix]
						}
					}
				}
			}
		}
	}
}

// Col2Im is the adjoint of Im2Col: it accumulates cols back into dst (C·H·W). The caller zeroes dst.
func Col2Im(g ConvGeometry, cols, dst []float32) {
	oh, ow := g.OutHeight(), g.OutWidth()
	plane := oh * ow
	k := g.Kernel
	for c := 0; c < g.Channels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := (c*k+ky)*k + kx
				in := cols[row*plane : (row+1)*plane]
				for oy := 0; oy < oh; oy++ {
					iy := oy*g.Stride - g.Pad + ky
					if iy < 0 || iy >= g.Height {
						continue
					}
					out := dst[(c*g.Height+iy)*g.Width : (c*g.Height+iy+1)*g.Width]
					line := in[oy*ow : (oy+1)*ow]
					for ox, v := range line {
						ix := ox*g.Stride - g.Pad + kx
						if ix >= 0 && ix < g.Width {
							out[ix] += v
						}
					}
				}
			}
		}
	}
}
