//go:build !unix

package output

const pipeSupported = false

func createPipe(path string, o OpenOptions) (Sink, error) {
	return nil, ErrFormatUnavailable
}
