package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source is a labelled file to follow from Offset.
type Source struct {
	Label  string
	Path   string
	Offset int64
}

// FollowAll follows every source concurrently and writes each complete line
// to w, prefixed with the source's label unless the label is empty. It
// returns when ctx is cancelled, or on the first read or write error.
func FollowAll(
	ctx context.Context,
	w io.Writer,
	interval time.Duration,
	sources ...Source,
) error {
	g, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex

	for _, src := range sources {
		g.Go(func() error {
			r := FollowFrom(ctx, src.Path, src.Offset, interval)
			defer r.Close()

			lr := newLineReader(r)
			for {
				line, err := lr.next()
				if err != nil {
					if errors.Is(err, io.EOF) {
						return nil
					}

					return err
				}

				mu.Lock()
				err = WriteLine(w, src.Label, line)
				mu.Unlock()

				if err != nil {
					return err
				}
			}
		})
	}

	return g.Wait()
}

// WriteLine writes line to w, prefixed with label unless it is empty.
func WriteLine(w io.Writer, label, line string) error {
	var err error
	if label == "" {
		_, err = fmt.Fprintln(w, line)
	} else {
		_, err = fmt.Fprintf(w, "%s | %s\n", label, line)
	}

	return err
}
