package warehouse

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// ReadType streams every record of a type across all part files of the root,
// as generic row maps, in file order. The merger consumes the two inputs of
// a merge this way.
func ReadType(root *Root, resourceType string, fn func(row map[string]any) error) error {
	files, err := root.PartFiles(resourceType)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := readPartFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}

func readPartFile(path string, fn func(row map[string]any) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[any](f)
	defer reader.Close()

	buf := make([]any, 64)
	for {
		n, err := reader.Read(buf)
		for i := 0; i < n; i++ {
			row, ok := buf[i].(map[string]any)
			if !ok {
				return fmt.Errorf("reading %s: unexpected row type %T", path, buf[i])
			}
			if cbErr := fn(row); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}
}
