package store

import "github.com/pkg/errors"

// WriteFile creates name atomically: write is called with the open
// writer, and the file is only made visible (renamed into place) if write
// succeeds. Grounded on acoustid-api's util/vfs/util.go WriteFile.
func WriteFile(dir Dir, name string, write func(w Writer) error) error {
	file, err := dir.Create(name)
	if err != nil {
		return errors.Wrap(err, "create failed")
	}
	defer file.Close()

	if err := write(file); err != nil {
		return errors.Wrap(err, "write failed")
	}

	if err := file.Commit(); err != nil {
		return errors.Wrap(err, "commit failed")
	}

	return nil
}
