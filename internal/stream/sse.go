package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SetSSEHeaders 设置 SSE 响应头
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteSSE 以 SSE 帧写出一个事件：id 为序号，event 为类型，data 为完整信封
func WriteSSE(w io.Writer, ev Envelope) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var buf bytes.Buffer
	if ev.Seq > 0 {
		fmt.Fprintf(&buf, "id: %d\n", ev.Seq)
	}
	fmt.Fprintf(&buf, "event: %s\n", ev.Type)
	for _, line := range strings.Split(string(payload), "\n") {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteString("\n")
	_, err = w.Write(buf.Bytes())
	return err
}

// ReadSSE 逐帧读取 SSE 流并解码为事件，fn 返回 false 时停止
func ReadSSE(r io.Reader, fn func(Envelope) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			ev, err := Decode([]byte(data.String()))
			data.Reset()
			if err != nil {
				return err
			}
			if !fn(ev) {
				return nil
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(rest, " "))
		}
	}
	return scanner.Err()
}
