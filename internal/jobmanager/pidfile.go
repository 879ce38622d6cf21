package jobmanager

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

func writePIDFile(path string, pid int) error {
	return writeFileAtomic(path, []byte(strconv.Itoa(pid)+"\n"))
}

// readPIDFile returns the pid stored at path. A missing pid file is reported
// as ok=false.
func readPIDFile(path string) (pid int, ok bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}

		return 0, false, ioError("read pid file", path, err)
	}

	pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false, ioError("parse pid file", path, fmt.Errorf("invalid pid %q", strings.TrimSpace(string(b))))
	}

	return pid, true, nil
}

func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioError("remove pid file", path, err)
	}

	return nil
}
