package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// HandlerFunc serves one request on the worker side of a channel.
type HandlerFunc func(ctx context.Context, taskID string, data json.RawMessage) (any, error)

// Serve runs the worker side of the line protocol until r is exhausted or ctx
// ends. Requests are handled concurrently; responses are written whole lines.
func Serve(ctx context.Context, r io.Reader, w io.Writer, handler HandlerFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	write := func(resp Response) {
		line, err := json.Marshal(resp)
		if err != nil {
			line, _ = json.Marshal(Response{ID: resp.ID, Error: err.Error()})
		}
		line = append(line, '\n')
		writeMu.Lock()
		_, _ = w.Write(line)
		writeMu.Unlock()
	}

	br := bufio.NewReaderSize(r, 64*1024)
	var readErr error
	for ctx.Err() == nil {
		line, err := readLine(br)
		if len(line) > 0 {
			var req Request
			if jerr := json.Unmarshal(line, &req); jerr == nil && req.ID != "" {
				wg.Add(1)
				go func(req Request) {
					defer wg.Done()
					out, herr := handler(ctx, req.TaskID, req.Data)
					if herr != nil {
						write(Response{ID: req.ID, Error: herr.Error()})
						return
					}
					data, merr := json.Marshal(out)
					if merr != nil {
						write(Response{ID: req.ID, Error: merr.Error()})
						return
					}
					write(Response{ID: req.ID, Data: data})
				}(req)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	wg.Wait()
	if readErr != nil {
		return readErr
	}
	return ctx.Err()
}
