package core

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// bencoding and bdecoding primitives
/* 4 types can be encoded or decoded
int64
string or []byte
[]interface{}
map[string]interface{}
*/

// ErrInvalidBencode is returned (wrapped with positional context) for any
// malformed input: unexpected byte, unterminated container, truncated
// integer or string length.
var ErrInvalidBencode = errors.New("invalid bencode")

func BEncode(input interface{}) ([]byte, error) {
	switch v := input.(type) {
	case int, int32, int64:
		num := reflect.ValueOf(v).Int()
		return bEncodeInt(num), nil
	case string:
		return bEncodeStr(v), nil
	case []byte:
		return bEncodeStr(string(v)), nil
	case []interface{}:
		return bEncodeList(v)
	case map[string]interface{}:
		return bEncodeDict(v)
	default:
		return nil, errors.Errorf("bencode: cannot encode value of type %T", v)
	}
}

func bEncodeInt(i int64) []byte {
	istr := strconv.FormatInt(i, 10)
	enc := make([]byte, 0, len(istr)+2)
	enc = append(enc, 'i')
	enc = append(enc, []byte(istr)...)
	enc = append(enc, 'e')
	return enc
}

func bEncodeStr(s string) []byte {
	slen := strconv.Itoa(len(s))
	enc := make([]byte, 0, len(slen)+1+len(s))
	enc = append(enc, []byte(slen)...)
	enc = append(enc, ':')
	enc = append(enc, []byte(s)...)
	return enc
}

func bEncodeList(l []interface{}) ([]byte, error) {
	enc := make([]byte, 0)
	enc = append(enc, 'l')

	for _, e := range l {
		b, err := BEncode(e)
		if err != nil {
			return nil, err
		}
		enc = append(enc, b...)
	}
	enc = append(enc, 'e')
	return enc, nil
}

// bEncodeDict sorts keys lexicographically before emitting them, which is
// what makes the re-bencoded info dictionary canonical and its SHA-1 stable.
func bEncodeDict(d map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	enc := make([]byte, 0)
	enc = append(enc, 'd')
	for _, k := range keys {
		enc = append(enc, bEncodeStr(k)...)

		vbytes, err := BEncode(d[k])
		if err != nil {
			return nil, err
		}
		enc = append(enc, vbytes...)
	}

	enc = append(enc, 'e')
	return enc, nil
}

func findIndex(input []byte, b byte) int {
	for i := 0; i < len(input); i++ {
		if input[i] == b {
			return i
		}
	}
	return -1
}

// bDecodeInt expects input to start with 'i'.
// Returns (integer, bytes consumed, error).
func bDecodeInt(input []byte) (int64, int, error) {
	e1 := findIndex(input, 'e')
	if e1 < 0 {
		return 0, 0, errors.Wrap(ErrInvalidBencode, "unterminated integer")
	}
	dec, err := strconv.ParseInt(string(input[1:e1]), 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrInvalidBencode, "malformed integer %q", input[1:e1])
	}
	return dec, e1 + 1, nil
}

func bDecodeStr(input []byte) (string, int, error) {
	e1 := findIndex(input, ':')
	if e1 < 0 {
		return "", 0, errors.Wrap(ErrInvalidBencode, "missing string length separator")
	}
	slen, err := strconv.Atoi(string(input[:e1]))
	if err != nil || slen < 0 {
		return "", 0, errors.Wrapf(ErrInvalidBencode, "malformed string length %q", input[:e1])
	}
	dl := e1 + slen + 1
	if dl > len(input) {
		return "", 0, errors.Wrap(ErrInvalidBencode, "truncated string")
	}
	dec := string(input[e1+1 : dl])
	return dec, dl, nil
}

func bDecodeList(input []byte) ([]interface{}, int, error) {
	result := make([]interface{}, 0)
	input = input[1:]
	dlen := 1

	for len(input) > 0 {
		if input[0] == 'e' {
			dlen++
			return result, dlen, nil
		}

		entry, dl, err := bDecodeAny(input)
		if err != nil {
			return nil, 0, err
		}

		result = append(result, entry)
		dlen += dl
		input = input[dl:]
	}

	return nil, 0, errors.Wrap(ErrInvalidBencode, "unterminated list")
}

// keys are bencoded strings; values can be of any bencodable type.
func bDecodeDict(input []byte) (map[string]interface{}, int, error) {
	result := make(map[string]interface{})
	input = input[1:]
	dlen := 1

	for len(input) > 0 {
		if input[0] == 'e' {
			dlen++
			return result, dlen, nil
		}

		key, dl, err := bDecodeStr(input)
		if err != nil {
			return nil, 0, err
		}
		dlen += dl
		input = input[dl:]

		val, dl, err := bDecodeAny(input)
		if err != nil {
			return nil, 0, err
		}

		result[key] = val
		dlen += dl
		input = input[dl:]
	}

	return nil, 0, errors.Wrap(ErrInvalidBencode, "unterminated dictionary")
}

func bDecodeAny(input []byte) (interface{}, int, error) {
	if len(input) == 0 {
		return nil, 0, errors.Wrap(ErrInvalidBencode, "unexpected end of input")
	}
	switch input[0] {
	case 'i':
		return bDecodeInt(input)
	case 'l':
		return bDecodeList(input)
	case 'd':
		return bDecodeDict(input)
	default:
		if input[0] < '0' || input[0] > '9' {
			return nil, 0, errors.Wrapf(ErrInvalidBencode, "unexpected byte %q", input[0])
		}
		return bDecodeStr(input)
	}
}

// BDecode parses a single top-level bencoded value. Leading whitespace is
// skipped; no whitespace is tolerated inside a structure.
func BDecode(input []byte) (interface{}, error) {
	input = skipLeadingSpace(input)
	if len(input) == 0 {
		return nil, errors.Wrap(ErrInvalidBencode, "empty input")
	}

	dec, _, err := bDecodeAny(input)
	if err != nil {
		return nil, err
	}
	return dec, nil
}

func skipLeadingSpace(input []byte) []byte {
	i := 0
	for i < len(input) && unicode.IsSpace(rune(input[i])) {
		i++
	}
	return input[i:]
}

// ToJSON renders a decoded bencode value tree as JSON for diagnostics only;
// the output is not meant to be parsed back. Byte strings containing a byte
// outside printable-ASCII-or-whitespace are rendered as uppercase hex pairs
// instead of quoted text, since piece hashes and binary blobs otherwise
// corrupt a terminal.
func ToJSON(value interface{}) string {
	var sb strings.Builder
	writeJSON(&sb, value)
	return sb.String()
}

func writeJSON(sb *strings.Builder, value interface{}) {
	switch v := value.(type) {
	case int64:
		sb.WriteString(strconv.FormatInt(v, 10))
	case int:
		sb.WriteString(strconv.Itoa(v))
	case string:
		sb.WriteByte('"')
		writeJSONString(sb, v)
		sb.WriteByte('"')
	case []interface{}:
		sb.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeJSON(sb, e)
		}
		sb.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('"')
			writeJSONString(sb, k)
			sb.WriteString("\":")
			writeJSON(sb, v[k])
		}
		sb.WriteByte('}')
	default:
		sb.WriteString(fmt.Sprintf("%v", v))
	}
}

func writeJSONString(sb *strings.Builder, s string) {
	isHex := false
	needsEscape := false
	for _, c := range []byte(s) {
		if c > 0x7e || (c < 0x20 && !unicode.IsSpace(rune(c))) {
			isHex = true
			break
		}
		if c == '\\' || c == '"' {
			needsEscape = true
		}
	}

	switch {
	case isHex:
		for i, c := range []byte(s) {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strings.ToUpper(fmt.Sprintf("%02x", c)))
		}
	case needsEscape:
		for _, c := range []byte(s) {
			if c == '\\' || c == '"' {
				sb.WriteByte('\\')
			}
			sb.WriteByte(c)
		}
	default:
		sb.WriteString(s)
	}
}
