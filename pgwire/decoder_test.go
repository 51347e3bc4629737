package pgwire

import (
	"encoding/binary"
	"reflect"
	"testing"
)

func frame(tag byte, payload []byte) []byte {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	return buf
}

func cstr(s string) []byte {
	return append([]byte(s), 0)
}

func TestSimpleQuery(t *testing.T) {
	d := New()
	payload := cstr("SELECT 1;")
	lines := d.Decode(frame(tagQuery, payload))
	want := []string{"[QUERY] SELECT 1;"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Decode() = %v, want %v", lines, want)
	}
}

func TestEmptyQueryProducesNoLine(t *testing.T) {
	d := New()
	lines := d.Decode(frame(tagQuery, cstr("")))
	if len(lines) != 0 {
		t.Fatalf("Decode() = %v, want no lines", lines)
	}
}

func TestParseBindExecute(t *testing.T) {
	d := New()

	var parsePayload []byte
	parsePayload = append(parsePayload, cstr("s1")...)
	parsePayload = append(parsePayload, cstr("SELECT $1")...)

	var bindPayload []byte
	bindPayload = append(bindPayload, cstr("p1")...)
	bindPayload = append(bindPayload, cstr("s1")...)
	var paramCount [2]byte
	binary.BigEndian.PutUint16(paramCount[:], 1)
	bindPayload = append(bindPayload, paramCount[:]...)
	bindPayload = append(bindPayload, 0x01) // TEXT
	var paramLen [4]byte
	binary.BigEndian.PutUint32(paramLen[:], 2)
	bindPayload = append(bindPayload, paramLen[:]...)
	bindPayload = append(bindPayload, []byte("42")...)

	executePayload := cstr("p1")

	var all []byte
	all = append(all, frame(tagParse, parsePayload)...)
	all = append(all, frame(tagBind, bindPayload)...)
	all = append(all, frame(tagExecute, executePayload)...)

	lines := d.Decode(all)
	want := []string{
		"[PREPARE] s1: SELECT $1",
		"[EXECUTE] p1 → s1: SELECT $1",
	}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Decode() = %v, want %v", lines, want)
	}
}

func TestExecuteUnknownPortal(t *testing.T) {
	d := New()
	lines := d.Decode(frame(tagExecute, cstr("ghost")))
	want := []string{"[EXECUTE] unknown portal: 'ghost'"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Decode() = %v, want %v", lines, want)
	}
}

func TestExecuteUnknownStatement(t *testing.T) {
	d := New()
	var bindPayload []byte
	bindPayload = append(bindPayload, cstr("p1")...)
	bindPayload = append(bindPayload, cstr("missing")...)
	binCount := make([]byte, 2)
	bindPayload = append(bindPayload, binCount...)

	d.Decode(frame(tagBind, bindPayload))
	lines := d.Decode(frame(tagExecute, cstr("p1")))
	want := []string{"[EXECUTE] p1 → unknown statement: 'missing'"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Decode() = %v, want %v", lines, want)
	}
}

func TestTruncatedFrameIsBufferedNotDiscarded(t *testing.T) {
	d := New()
	full := frame(tagQuery, cstr("SELECT 1;"))

	// Feed all but the last three bytes of the frame.
	half := full[:len(full)-3]
	lines := d.Decode(half)
	if len(lines) != 0 {
		t.Fatalf("Decode(partial) = %v, want no lines yet", lines)
	}

	// Feed the rest; the decoder must resume from the buffered tail.
	rest := full[len(full)-3:]
	lines = d.Decode(rest)
	want := []string{"[QUERY] SELECT 1;"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Decode(rest) = %v, want %v", lines, want)
	}
}

func TestRepeatedParseOverwritesStatement(t *testing.T) {
	d := New()
	var p1 []byte
	p1 = append(p1, cstr("s")...)
	p1 = append(p1, cstr("SELECT 1")...)
	d.Decode(frame(tagParse, p1))

	var p2 []byte
	p2 = append(p2, cstr("s")...)
	p2 = append(p2, cstr("SELECT 2")...)
	lines := d.Decode(frame(tagParse, p2))

	want := []string{"[PREPARE] s: SELECT 2"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Decode() = %v, want %v", lines, want)
	}
}

func TestUnrecognizedTagSkippedWithoutEmission(t *testing.T) {
	d := New()
	lines := d.Decode(frame('Z', []byte("whatever")))
	if len(lines) != 0 {
		t.Fatalf("Decode() = %v, want no lines for unrecognized tag", lines)
	}
}
