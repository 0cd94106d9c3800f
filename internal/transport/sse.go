package transport

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Event is one parsed server-sent event: the announced event name plus its
// accumulated data payload (multiple "data:" lines joined by newline, per
// the SSE spec).
type Event struct {
	Name string
	Data []byte
}

// EventHandler is invoked once per parsed event. Returning an error stops
// the scan.
type EventHandler func(Event) error

// ScanEvents reads r and invokes handle once per event, splitting on blank
// lines. Each line is read via bufio.Reader.ReadSlice against a fixed-size
// buffer into a reused line buffer, and its data field is appended to a
// per-event accumulator that is reset after each event; bytes already
// consumed are never re-copied as more of the stream arrives, so total
// work stays linear in stream size rather than quadratic.
func ScanEvents(r io.Reader, handle EventHandler) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var lineBuf bytes.Buffer // reused across lines, reset each time
	var name string
	var data bytes.Buffer
	haveData := false

	flush := func() error {
		if !haveData && name == "" {
			return nil
		}
		ev := Event{Name: name, Data: append([]byte(nil), bytes.TrimSuffix(data.Bytes(), []byte("\n"))...)}
		name = ""
		data.Reset()
		haveData = false
		return handle(ev)
	}

	for {
		lineBuf.Reset()
		var lineErr error
		for {
			chunk, err := br.ReadSlice('\n')
			lineBuf.Write(chunk)
			if err == bufio.ErrBufferFull {
				continue // line longer than the read buffer; keep accumulating
			}
			lineErr = err
			break
		}

		line := bytes.TrimRight(lineBuf.Bytes(), "\r\n")
		if len(line) > 0 {
			switch {
			case bytes.HasPrefix(line, []byte(":")):
				// comment line, ignored
			case bytes.HasPrefix(line, []byte("event:")):
				name = strings.TrimSpace(string(line[len("event:"):]))
			case bytes.HasPrefix(line, []byte("data:")):
				field := line[len("data:"):]
				field = bytes.TrimPrefix(field, []byte(" "))
				data.Write(field)
				data.WriteByte('\n')
				haveData = true
			default:
				// unrecognized field, ignored per SSE spec
			}
		} else if lineBuf.Len() > 0 || lineErr == nil {
			if ferr := flush(); ferr != nil {
				return ferr
			}
		}

		if lineErr != nil {
			if lineErr == io.EOF {
				return flush()
			}
			return lineErr
		}
	}
}
