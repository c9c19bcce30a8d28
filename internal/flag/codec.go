package flag

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	fieldSep   = "|"
	messageSep = ";"
	fieldCount = 7
)

// Encode turns messages into rebuild codes. Each message becomes one token of
// escaped fields; tokens are joined in order.
func Encode(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	tokens := make([]string, len(messages))
	for i, m := range messages {
		tokens[i] = encodeOne(m)
	}
	return strings.Join(tokens, messageSep)
}

func encodeOne(m Message) string {
	fields := []string{
		m.Code,
		strconv.Itoa(m.Row),
		strconv.Itoa(m.Column),
		m.ColumnName,
		strconv.Itoa(int(m.Flag)),
		m.FieldValue,
		m.ValidValue,
	}
	for i, f := range fields {
		fields[i] = url.QueryEscape(f)
	}
	return strings.Join(fields, fieldSep)
}

// Decode parses rebuild codes produced by Encode. An empty string yields an
// empty, non-nil list.
func Decode(codes string) ([]Message, error) {
	if codes == "" {
		return []Message{}, nil
	}
	tokens := strings.Split(codes, messageSep)
	out := make([]Message, 0, len(tokens))
	for i, tok := range tokens {
		m, err := decodeOne(tok)
		if err != nil {
			return nil, fmt.Errorf("rebuild code %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeOne(tok string) (Message, error) {
	parts := strings.Split(tok, fieldSep)
	if len(parts) != fieldCount {
		return Message{}, fmt.Errorf("expected %d fields, got %d", fieldCount, len(parts))
	}
	for i, p := range parts {
		v, err := url.QueryUnescape(p)
		if err != nil {
			return Message{}, fmt.Errorf("field %d: %w", i, err)
		}
		parts[i] = v
	}

	row, err := strconv.Atoi(parts[1])
	if err != nil {
		return Message{}, fmt.Errorf("row: %w", err)
	}
	col, err := strconv.Atoi(parts[2])
	if err != nil {
		return Message{}, fmt.Errorf("column: %w", err)
	}
	fv, err := strconv.Atoi(parts[4])
	if err != nil {
		return Message{}, fmt.Errorf("flag: %w", err)
	}
	f, err := Parse(fv)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Code:       parts[0],
		Row:        row,
		Column:     col,
		ColumnName: parts[3],
		Flag:       f,
		FieldValue: parts[5],
		ValidValue: parts[6],
	}, nil
}

// Summary joins the short messages in order, the form used for comments
// derived from automatic QC.
func Summary(messages []Message) string {
	shorts := make([]string, len(messages))
	for i, m := range messages {
		shorts[i] = m.ShortMessage()
	}
	return strings.Join(shorts, messageSep)
}
