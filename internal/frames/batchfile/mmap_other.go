//go:build !unix

package batchfile

func load(path string) (data []byte, mapped bool, err error) {
	data, err = readFile(path)
	return data, false, err
}

func unmap([]byte) error {
	return nil
}
