package frame

import "io"

// ReadLoop reads from r in chunkSize bursts until r returns an error,
// invoking onFrame for every complete frame the Scanner reassembles. It
// returns the error that ended the loop (io.EOF on a clean close).
func ReadLoop(r io.Reader, chunkSize int, onFrame func([]byte)) error {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	var scanner Scanner
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, f := range scanner.Feed(buf[:n]) {
				onFrame(f)
			}
		}
		if err != nil {
			return err
		}
	}
}
