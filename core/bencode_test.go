package core

import (
	"reflect"
	"testing"
)

func TestBEncodeInt(t *testing.T) {
	got := string(bEncodeInt(34))
	want := "i34e"
	if got != want {
		t.Errorf("bencode int : got %s, want %s", got, want)
	}
}

func TestBEncodeStr(t *testing.T) {
	got := string(bEncodeStr("hello"))
	want := "5:hello"
	if got != want {
		t.Errorf("bencode str : got %s, want %s", got, want)
	}
}

func TestBEncodeList(t *testing.T) {
	l := []interface{}{"hello", "world"}
	enc, _ := bEncodeList(l)
	got := string(enc)
	want := "l5:hello5:worlde"
	if got != want {
		t.Errorf("bencode list : got %s, want %s", got, want)
	}
}

func TestBEncodeDict(t *testing.T) {
	d := make(map[string]interface{})
	d["hello"] = "world"
	d["apples"] = 4
	enc, _ := bEncodeDict(d)
	got := string(enc)
	want := "d6:applesi4e5:hello5:worlde"
	if got != want {
		t.Errorf("bencode dict : got %s, want %s", got, want)
	}
}

func TestBDecodeInt(t *testing.T) {
	dec, dl, _ := bDecodeInt([]byte("i31e"))
	var wdec int64 = 31
	wlen := 4
	if dec != wdec {
		t.Errorf("bdecode int : got %d, wanted %d", dec, wdec)
	}
	if dl != wlen {
		t.Errorf("bdecode int : got %d, wanted %d", dl, wlen)
	}
}

func TestBDecodeStr(t *testing.T) {
	dec, dl, _ := bDecodeStr([]byte("5:hello"))
	wdec := "hello"
	wlen := 7
	if dec != wdec {
		t.Errorf("bdecode str, dec : got %s, wanted %s", dec, wdec)
	}
	if dl != wlen {
		t.Errorf("bdecode str, dl : got %d, wanted %d", dl, wlen)
	}
}

func TestBDecodeList(t *testing.T) {
	dec, dl, _ := bDecodeList([]byte("le"))
	wll, wdl := 0, 2
	if len(dec) != wll {
		t.Errorf("len(list), got %d, wanted %d", len(dec), wll)
	}
	if dl != wdl {
		t.Errorf("dlen : got %d, wanted %d", dl, wdl)
	}

	dec, dl, _ = bDecodeList([]byte("l5:hello3:cowe"))
	wll, wdl = 2, 14
	if len(dec) != wll {
		t.Errorf("len(list), got %d, wanted %d", len(dec), wll)
	}
	if dl != wdl {
		t.Errorf("dlen : got %d, wanted %d", dl, wdl)
	}

	dec, dl, _ = bDecodeList([]byte("ll5:helloel3:cowee"))
	wll, wdl = 2, 18
	if len(dec) != wll {
		t.Errorf("len(list), got %d, wanted %d", len(dec), wll)
	}
	if dl != wdl {
		t.Errorf("dlen : got %d, wanted %d", dl, wdl)
	}
}

func TestBDecodeDict(t *testing.T) {
	dec, dl, _ := bDecodeDict([]byte("de"))
	wl, wdl := 0, 2
	if len(dec) != wl {
		t.Errorf("len(map), got %d, wanted %d", len(dec), wl)
	}
	if dl != wdl {
		t.Errorf("dlen : got %d, wanted %d", dl, wdl)
	}

	dec, dl, _ = bDecodeDict([]byte("d3:cow3:moo4:spam4:eggse"))
	wl, wdl = 2, 24
	if len(dec) != wl {
		t.Errorf("len(map), got %d, wanted %d", len(dec), wl)
	}
	if dl != wdl {
		t.Errorf("dlen : got %d, wanted %d", dl, wdl)
	}
}

// TestBencodeRoundTrip checks that Decode(Encode(D)) == D for
// dictionaries with sorted keys.
func TestBencodeRoundTrip(t *testing.T) {
	d := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info": map[string]interface{}{
			"length": int64(16384),
			"name":   "test",
			"nested": []interface{}{"a", "b", int64(3)},
		},
	}

	enc, err := BEncode(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec, err := BDecode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !reflect.DeepEqual(normalizeBencode(dec), normalizeBencode(d)) {
		t.Errorf("round trip mismatch:\ngot  %#v\nwant %#v", dec, d)
	}

	// Re-encoding the canonical bytes must reproduce them exactly.
	enc2, err := BEncode(dec)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if string(enc) != string(enc2) {
		t.Errorf("canonical bytes changed after round trip:\n%q\n%q", enc, enc2)
	}
}

// normalizeBencode converts int literals to int64 so DeepEqual treats
// hand-written test fixtures the same as decoder output.
func normalizeBencode(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return int64(x)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = normalizeBencode(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = normalizeBencode(e)
		}
		return out
	default:
		return v
	}
}

// TestBencodeS1 decodes a single-file info dictionary with one piece hash.
func TestBencodeS1(t *testing.T) {
	input := "d4:infod4:name4:test12:piece lengthi16384e6:pieces20:AAAAAAAAAAAAAAAAAAAA6:lengthi16384eee"
	dec, err := BDecode([]byte(input))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	top, ok := dec.(map[string]interface{})
	if !ok {
		t.Fatalf("top level is not a dict: %T", dec)
	}
	info, ok := top["info"].(map[string]interface{})
	if !ok {
		t.Fatalf("info is not a dict: %T", top["info"])
	}

	if info["name"] != "test" {
		t.Errorf("name: got %v", info["name"])
	}
	if info["piece length"] != int64(16384) {
		t.Errorf("piece length: got %v", info["piece length"])
	}
	if info["pieces"] != "AAAAAAAAAAAAAAAAAAAA" {
		t.Errorf("pieces: got %v", info["pieces"])
	}
	if info["length"] != int64(16384) {
		t.Errorf("length: got %v", info["length"])
	}
}

func TestToJSONHexEscape(t *testing.T) {
	v := map[string]interface{}{
		"pieces": "\x01\x02\xff",
	}
	got := ToJSON(v)
	want := `{"pieces":"01 02 FF"}`
	if got != want {
		t.Errorf("ToJSON hex-escape: got %s, want %s", got, want)
	}
}

func TestToJSONQuoteEscape(t *testing.T) {
	v := "say \"hi\""
	got := ToJSON(v)
	want := `"say \"hi\""`
	if got != want {
		t.Errorf("ToJSON quote-escape: got %s, want %s", got, want)
	}
}
