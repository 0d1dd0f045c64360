package detections

import (
	"image"
	"runtime"
	"sync"
)

// Below this many rows, splitting the work across goroutines costs more than it saves
const minRowsPerWorker = 32

// planeWorkers picks how many goroutines fill the planes of an image with the given height
func planeWorkers(height int) int {
	n := runtime.GOMAXPROCS(0)
	if limit := height / minRowsPerWorker; n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// fillPlanes writes img into dst as normalized colour planes, splitting rows between workers
func fillPlanes(img *image.NRGBA, dst []float32, numWorkers int) {
	height := img.Rect.Dy()
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > height {
		numWorkers = height
	}
	if numWorkers <= 1 {
		fillRows(img, dst, 0, height)
		return
	}

	rowsPerWorker := height / numWorkers
	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == numWorkers-1 {
			endRow = height
		}
		go func(start, end int) {
			defer wg.Done()
			fillRows(img, dst, start, end)
		}(startRow, endRow)
	}

	wg.Wait()
}

func fillRows(img *image.NRGBA, dst []float32, startRow, endRow int) {
	width := img.Rect.Dx()
	channelSize := width * img.Rect.Dy()
	for y := startRow; y < endRow; y++ {
		offset := y * width
		p := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		for x := 0; x < width; x++ {
			i := offset + x
			for c, ch := range ChannelOrder {
				dst[c*channelSize+i] = float32(img.Pix[p+ch]) / MaxIntensity
			}
			p += 4
		}
	}
}
