// Package protocol implements the result line that staging commands print on
// stdout:
//
//	OK key1: val1 key2: val2 ...
//	FAIL key1: val1 ...
//
// The first line whose leading token is OK or FAIL is the result. Fields are
// optional and unordered; a token ending in ':' names a key and the next token
// is its value. Anything else is ignored.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	TokenOK   = "OK"
	TokenFail = "FAIL"
)

// Result is the decoded result line. The zero value is the "no result" case:
// not OK and no fields.
type Result struct {
	OK     bool
	Found  bool
	Fields map[string]string
}

// Parse scans r for the first result line. A reader without one yields the zero
// Result; only read errors are returned.
func Parse(r io.Reader) (Result, error) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if res, ok := parseLine(line); ok {
				return res, nil
			}
		}
		if errors.Is(err, io.EOF) {
			return Result{}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("read result: %w", err)
		}
	}
}

// ParseFile parses the stdout file of a staging command. A missing file is the
// "no result" case, not an error.
func ParseFile(path string) (Result, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func parseLine(line string) (Result, bool) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Result{}, false
	}

	var res Result
	switch tokens[0] {
	case TokenOK:
		res.OK = true
	case TokenFail:
	default:
		return Result{}, false
	}
	res.Found = true
	res.Fields = make(map[string]string)

	rest := tokens[1:]
	for i := 0; i < len(rest); {
		key, isKey := strings.CutSuffix(rest[i], ":")
		if !isKey || key == "" || i+1 >= len(rest) {
			i++
			continue
		}
		res.Fields[key] = rest[i+1]
		i += 2
	}
	return res, true
}

// Text returns the raw value of key; ok is false when the field is absent.
func (r Result) Text(key string) (string, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// Uint returns key as an unsigned integer, or 0 when missing or unparseable.
func (r Result) Uint(key string) uint64 {
	n, err := strconv.ParseUint(r.Fields[key], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Int returns key as a signed integer, or 0 when missing or unparseable.
func (r Result) Int(key string) int64 {
	n, err := strconv.ParseInt(r.Fields[key], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Real returns key as a float, or 0 when missing or unparseable.
func (r Result) Real(key string) float64 {
	f, err := strconv.ParseFloat(r.Fields[key], 64)
	if err != nil {
		return 0
	}
	return f
}

// Format renders a result line from alternating key/value arguments.
func Format(ok bool, kv ...string) string {
	var b strings.Builder
	if ok {
		b.WriteString(TokenOK)
	} else {
		b.WriteString(TokenFail)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %s: %s", kv[i], kv[i+1])
	}
	return b.String()
}
