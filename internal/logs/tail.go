package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	pollInterval  = 250 * time.Millisecond
	maxLineLength = 1024 * 1024
)

// Matcher reports whether a log line should be returned.
type Matcher func(line string) bool

// TailOptions controls a single Tail call. A negative Offset means "start from
// the last Limit lines"; otherwise reading resumes at Offset.
type TailOptions struct {
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
	Match  Matcher
}

// TailResult holds the lines read and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// MatchField matches lines carrying key=value in console format or
// "key":"value" in JSON format.
func MatchField(key, value string) Matcher {
	console := key + "=" + value
	quoted := key + "=" + strconv.Quote(value)
	jsonPair := strconv.Quote(key) + ":" + strconv.Quote(value)
	return func(line string) bool {
		if strings.Contains(line, jsonPair) || strings.Contains(line, quoted) {
			return true
		}
		for rest, base := line, 0; ; {
			idx := strings.Index(rest, console)
			if idx < 0 {
				return false
			}
			start := base + idx
			end := start + len(console)
			if (start == 0 || line[start-1] == ' ') && (end == len(line) || line[end] == ' ') {
				return true
			}
			base = start + 1
			rest = line[base:]
		}
	}
}

// Tail reads lines from path according to opts. A missing file yields an
// empty result with offset zero so callers can follow a log that is not
// written yet.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TailResult{}, nil
		}
		return TailResult{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}
	if opts.Wait < 0 {
		opts.Wait = 0
	}

	var result TailResult
	if opts.Offset < 0 {
		result, err = readLast(path, opts.Limit, opts.Match)
	} else {
		offset := opts.Offset
		if offset > info.Size() {
			// Truncated or rotated underneath us.
			offset = 0
		}
		result, err = readFrom(path, offset, opts.Match)
	}
	if err != nil {
		return result, err
	}
	if opts.Follow && opts.Wait > 0 && len(result.Lines) == 0 {
		return waitForLines(ctx, path, result.Offset, opts.Wait, opts.Match)
	}
	return result, nil
}

func readLast(path string, limit int, match Matcher) (TailResult, error) {
	if limit <= 0 {
		info, err := os.Stat(path)
		if err != nil {
			return TailResult{}, fmt.Errorf("stat log file: %w", err)
		}
		return TailResult{Offset: info.Size()}, nil
	}

	ring := make([]string, 0, limit)
	next := 0
	offset, err := scan(path, 0, match, func(line string) {
		if len(ring) < limit {
			ring = append(ring, line)
			return
		}
		ring[next] = line
		next = (next + 1) % limit
	})
	if err != nil {
		return TailResult{}, err
	}
	lines := make([]string, 0, len(ring))
	lines = append(lines, ring[next:]...)
	lines = append(lines, ring[:next]...)
	return TailResult{Lines: lines, Offset: offset}, nil
}

func readFrom(path string, offset int64, match Matcher) (TailResult, error) {
	result := TailResult{Offset: offset}
	end, err := scan(path, offset, match, func(line string) {
		result.Lines = append(result.Lines, line)
	})
	if err != nil {
		return result, err
	}
	result.Offset = end
	return result, nil
}

// scan feeds every complete, matching line after offset to emit and returns
// the offset just past the last complete line. A trailing partial line is left
// for the next read.
func scan(path string, offset int64, match Matcher, emit func(string)) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return offset, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek log file: %w", err)
	}
	reader := bufio.NewReaderSize(file, 64*1024)
	pos := offset
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return pos, nil
		}
		if err != nil {
			return pos, fmt.Errorf("read log file: %w", err)
		}
		pos += int64(len(line))
		line = strings.TrimRight(line, "\r\n")
		if len(line) > maxLineLength {
			line = line[:maxLineLength]
		}
		if match == nil || match(line) {
			emit(line)
		}
	}
}

func waitForLines(ctx context.Context, path string, offset int64, wait time.Duration, match Matcher) (TailResult, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	result := TailResult{Offset: offset}
	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
		next, err := readFrom(path, result.Offset, match)
		if err != nil {
			return result, err
		}
		result.Offset = next.Offset
		if len(next.Lines) > 0 {
			result.Lines = next.Lines
			return result, nil
		}
		if time.Now().After(deadline) {
			return result, nil
		}
	}
}
