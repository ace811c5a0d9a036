package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
)

func TestKindValid(t *testing.T) {
	valid := []Kind{KindText, KindFile, KindFileData, KindFileComplete, KindUserJoin, KindUserLeave, KindError}
	for _, k := range valid {
		if !k.Valid() {
			t.Errorf("Kind(%s).Valid() = false, want true", k)
		}
	}

	for _, k := range []Kind{"", "FILE_REQUEST", "text", "PING"} {
		if k.Valid() {
			t.Errorf("Kind(%q).Valid() = true, want false", k)
		}
	}
}

func TestKindString(t *testing.T) {
	if got := KindFileData.String(); got != "FILE_DATA" {
		t.Errorf("String() = %s, want FILE_DATA", got)
	}
	if got := Kind("").String(); got != "UNKNOWN" {
		t.Errorf("String() = %s, want UNKNOWN", got)
	}
}

func TestIsTransferKind(t *testing.T) {
	for _, k := range []Kind{KindFile, KindFileData, KindFileComplete} {
		if !IsTransferKind(k) {
			t.Errorf("IsTransferKind(%s) = false", k)
		}
	}
	for _, k := range []Kind{KindText, KindUserJoin, KindError} {
		if IsTransferKind(k) {
			t.Errorf("IsTransferKind(%s) = true", k)
		}
	}
}

func TestEncode_WireForm(t *testing.T) {
	body, err := Encode(Text("hello"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"type":"TEXT","data":"hello","metadata":{}}`
	if string(body) != want {
		t.Errorf("Encode = %s, want %s", body, want)
	}
}

func TestEncode_NilMetadataStillPresent(t *testing.T) {
	body, err := Encode(Envelope{Kind: KindFileComplete})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(body), `"metadata":{}`) {
		t.Errorf("metadata missing from wire form: %s", body)
	}
}

func TestEncode_RejectsUnknownKind(t *testing.T) {
	_, err := Encode(Envelope{Kind: "PING"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Encode error = %v, want ErrUnknownKind", err)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"plain text", Text("hi there")},
		{"empty payload", NewEnvelope(KindFile, "", map[string]string{MetaFilename: "a.txt", MetaSize: "12"})},
		{"escaped characters", Text("quote \" backslash \\ newline \n return \r tab \t")},
		{"decoder boundary lookalikes", Text(`x","metadata":{"a":"b"}} "}`)},
		{"unicode", Text("你好，世界 👋")},
		{"html characters", Text("<b>&amp;</b>")},
		{"metadata with escapes", NewEnvelope(KindFileComplete, "", map[string]string{
			MetaFilename: "we\"ird\\name\t.txt",
			"empty":      "",
		})},
		{"binary chunk", Envelope{
			Kind:     KindFileData,
			Metadata: map[string]string{MetaEncoding: EncodingBinary, MetaChunkIndex: "0"},
			Chunk:    []byte{0x00, 0x01, 0xff, '{', '"', 0x00},
		}},
		{"empty binary chunk", Envelope{Kind: KindFileData, Metadata: map[string]string{}, Chunk: []byte{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := Encode(tt.env)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(body)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			assertEnvelopeEqual(t, got, tt.env)
		})
	}
}

func TestDecode_Failures(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", "hello", ErrMalformedEnvelope},
		{"empty", "", ErrMalformedEnvelope},
		{"missing type", `{"data":"x","metadata":{}}`, ErrMalformedEnvelope},
		{"empty type", `{"type":"","data":"x"}`, ErrMalformedEnvelope},
		{"unknown type", `{"type":"FILE_REQUEST","data":"","metadata":{}}`, ErrUnknownKind},
		{"nested metadata", `{"type":"TEXT","data":"","metadata":{"a":{"b":"c"}}}`, ErrMalformedEnvelope},
		{"array metadata", `{"type":"TEXT","data":"","metadata":{"a":[1]}}`, ErrMalformedEnvelope},
		{"numeric data", `{"type":"TEXT","data":5}`, ErrMalformedEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode(%q) error = %v, want %v", tt.body, err, tt.want)
			}
		})
	}
}

func TestDecode_LenientForeignForm(t *testing.T) {
	body := `{"metadata": {"filename": "a.bin", "size": 2048, "ok": true, "gone": null}, "data": "", "type": "FILE"}`
	env, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != KindFile {
		t.Errorf("Kind = %s, want FILE", env.Kind)
	}
	if env.Meta(MetaSize) != "2048" {
		t.Errorf("size = %q, want 2048", env.Meta(MetaSize))
	}
	if env.Meta("ok") != "true" {
		t.Errorf("ok = %q, want true", env.Meta("ok"))
	}
	if v, ok := env.Metadata["gone"]; !ok || v != "" {
		t.Errorf("gone = %q (present %v), want empty string", v, ok)
	}
}

func TestDecode_MissingMetadataIsEmpty(t *testing.T) {
	env, err := Decode([]byte(`{"type":"USER_JOIN","data":"alice"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Metadata == nil || len(env.Metadata) != 0 {
		t.Errorf("Metadata = %v, want empty non-nil map", env.Metadata)
	}
	if env.Payload != "alice" {
		t.Errorf("Payload = %q, want alice", env.Payload)
	}
}

func TestDecode_ChunkLengthMismatch(t *testing.T) {
	body, err := Encode(Envelope{Kind: KindFileData, Chunk: []byte("abcdef")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := Decode(body[:len(body)-2]); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("truncated chunk: error = %v, want ErrInvalidFrame", err)
	}

	idx := bytes.IndexByte(body, 0)
	if _, err := Decode(body[:idx+3]); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("truncated length: error = %v, want ErrInvalidFrame", err)
	}
}

func TestEnvelopeHelpers(t *testing.T) {
	meta := map[string]string{MetaSize: "42", MetaFilename: "x"}
	env := NewEnvelope(KindFile, "", meta)
	meta[MetaSize] = "changed"

	if n, ok := env.MetaInt(MetaSize); !ok || n != 42 {
		t.Errorf("MetaInt(size) = %d, %v; want 42, true", n, ok)
	}
	if _, ok := env.MetaInt(MetaFilename); ok {
		t.Error("MetaInt(filename) should fail")
	}
	if _, ok := env.MetaInt("missing"); ok {
		t.Error("MetaInt(missing) should fail")
	}

	with := env.WithMeta(MetaSender, "bob")
	if env.Meta(MetaSender) != "" {
		t.Error("WithMeta mutated the original envelope")
	}
	if with.Meta(MetaSender) != "bob" {
		t.Errorf("WithMeta sender = %q, want bob", with.Meta(MetaSender))
	}

	var zero Envelope
	if zero.Meta("anything") != "" {
		t.Error("Meta on nil metadata should be empty")
	}

	e := Errorf("user '%s' is not online", "ghost")
	if e.Kind != KindError || e.Payload != "user 'ghost' is not online" {
		t.Errorf("Errorf = %+v", e)
	}
}

func TestFrame_RoundTripEnvelope(t *testing.T) {
	envs := []Envelope{
		Text("first"),
		NewEnvelope(KindFile, "", map[string]string{MetaFilename: "report.pdf", MetaSize: "100"}),
		{Kind: KindFileData, Metadata: map[string]string{MetaEncoding: EncodingBinary}, Chunk: bytes.Repeat([]byte{0xAB}, ChunkSize)},
		NewEnvelope(KindFileComplete, "", map[string]string{MetaChunkCount: "1"}),
	}

	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	for _, e := range envs {
		if err := fw.WriteEnvelope(e); err != nil {
			t.Fatalf("WriteEnvelope: %v", err)
		}
	}

	fr := NewFrameReader(&buf)
	for i, want := range envs {
		got, err := fr.ReadEnvelope()
		if err != nil {
			t.Fatalf("ReadEnvelope[%d]: %v", i, err)
		}
		assertEnvelopeEqual(t, got, want)
	}

	if _, err := fr.ReadFrame(); !errors.Is(err, ErrClosed) {
		t.Errorf("read past end: error = %v, want ErrClosed", err)
	}
}

func TestFrame_HeaderIsBigEndianLength(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFrameWriter(&buf).WriteFrame([]byte("abc")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	want := []byte{0, 0, 0, 3, 'a', 'b', 'c'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("frame bytes = %v, want %v", buf.Bytes(), want)
	}
}

func TestFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFrameWriter(&buf).WriteFrame(nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := NewFrameReader(&buf).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("payload len = %d, want 0", len(got))
	}
}

func TestFrameReader_RejectsOversizeBeforeBody(t *testing.T) {
	var buf bytes.Buffer
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	buf.Write(hdr[:])
	buf.WriteString("body bytes that must stay unread")
	remaining := buf.Len() - HeaderSize

	_, err := NewFrameReader(&buf).ReadFrame()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("error = %v, want ErrFrameTooLarge", err)
	}
	if IsClosed(err) {
		t.Error("oversize frame must not be reported as closed")
	}
	if buf.Len() != remaining {
		t.Errorf("reader consumed body bytes: %d left, want %d", buf.Len(), remaining)
	}
}

func TestFrameReader_AcceptsExactlyMax(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFrameWriter(&buf).WriteFrame(make([]byte, MaxFrameSize)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := NewFrameReader(&buf).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != MaxFrameSize {
		t.Errorf("len = %d, want %d", len(got), MaxFrameSize)
	}
}

func TestFrameWriter_RejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := NewFrameWriter(&buf).WriteFrame(make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("error = %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes for a rejected frame", buf.Len())
	}
}

func TestFrameReader_TruncatedIsClosed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty stream", nil},
		{"partial header", []byte{0, 0}},
		{"partial body", []byte{0, 0, 0, 10, 'a', 'b'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFrameReader(bytes.NewReader(tt.data)).ReadFrame()
			if !errors.Is(err, ErrClosed) {
				t.Errorf("error = %v, want ErrClosed", err)
			}
			if errors.Is(err, ErrFrameTooLarge) {
				t.Error("truncation must not be reported as oversize")
			}
		})
	}
}

func TestFrame_OverPipe(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	go func() {
		fw := NewFrameWriter(a)
		_ = fw.WriteEnvelope(Text("over the pipe"))
		a.Close()
	}()

	fr := NewFrameReader(b)
	got, err := fr.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Payload != "over the pipe" {
		t.Errorf("Payload = %q", got.Payload)
	}
	if _, err := fr.ReadEnvelope(); !errors.Is(err, ErrClosed) {
		t.Errorf("after close: error = %v, want ErrClosed", err)
	}
}

// trickleWriter accepts at most one byte per call.
type trickleWriter struct {
	buf bytes.Buffer
}

func (w *trickleWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.buf.WriteByte(p[0])
	return 1, nil
}

// flakyWriter fails with EAGAIN a number of times before writing.
type flakyWriter struct {
	failures int
	buf      bytes.Buffer
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.failures > 0 {
		w.failures--
		return 0, syscall.EAGAIN
	}
	return w.buf.Write(p)
}

type brokenWriter struct{ err error }

func (w brokenWriter) Write(p []byte) (int, error) { return 0, w.err }

func TestFrameWriter_RetriesShortWrites(t *testing.T) {
	w := &trickleWriter{}
	if err := NewFrameWriter(w).WriteFrame([]byte("partial")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := NewFrameReader(&w.buf).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != "partial" {
		t.Errorf("payload = %q, want partial", got)
	}
}

func TestFrameWriter_RetriesTransientErrors(t *testing.T) {
	w := &flakyWriter{failures: 3}
	if err := NewFrameWriter(w).WriteFrame([]byte("again")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if w.buf.Len() != HeaderSize+5 {
		t.Errorf("wrote %d bytes, want %d", w.buf.Len(), HeaderSize+5)
	}
}

func TestFrameWriter_FatalErrors(t *testing.T) {
	err := NewFrameWriter(brokenWriter{err: syscall.EPIPE}).WriteFrame([]byte("x"))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("EPIPE: error = %v, want ErrClosed", err)
	}

	other := errors.New("disk on fire")
	err = NewFrameWriter(brokenWriter{err: other}).WriteFrame([]byte("x"))
	if !errors.Is(err, other) || errors.Is(err, ErrClosed) {
		t.Errorf("other error = %v, want wrapped original and not ErrClosed", err)
	}
}

func TestIsClosed(t *testing.T) {
	closed := []error{io.EOF, io.ErrUnexpectedEOF, net.ErrClosed, syscall.ECONNRESET, syscall.EPIPE, ErrClosed}
	for _, err := range closed {
		if !IsClosed(err) {
			t.Errorf("IsClosed(%v) = false", err)
		}
	}
	for _, err := range []error{nil, ErrFrameTooLarge, ErrMalformedEnvelope} {
		if IsClosed(err) {
			t.Errorf("IsClosed(%v) = true", err)
		}
	}
}

func assertEnvelopeEqual(t *testing.T, got, want Envelope) {
	t.Helper()
	if got.Kind != want.Kind {
		t.Errorf("Kind = %s, want %s", got.Kind, want.Kind)
	}
	if got.Payload != want.Payload {
		t.Errorf("Payload = %q, want %q", got.Payload, want.Payload)
	}
	if len(got.Metadata) != len(want.Metadata) {
		t.Errorf("Metadata = %v, want %v", got.Metadata, want.Metadata)
	}
	for k, v := range want.Metadata {
		if got.Metadata[k] != v {
			t.Errorf("Metadata[%q] = %q, want %q", k, got.Metadata[k], v)
		}
	}
	if !bytes.Equal(got.Chunk, want.Chunk) || (got.Chunk == nil) != (want.Chunk == nil) {
		t.Errorf("Chunk = %v, want %v", got.Chunk, want.Chunk)
	}
}

func TestParseDirected(t *testing.T) {
	tests := []struct {
		in         string
		wantTarget string
		wantRest   string
		wantOK     bool
	}{
		{"@bob hello there", "bob", "hello there", true},
		{"@bob ", "bob", "", true},
		{"@bob  two spaces", "bob", " two spaces", true},
		{"@bob", "", "", false},
		{"@ hello", "", "", false},
		{"hello @bob there", "", "", false},
		{"", "", "", false},
		{"@ünïcode hi", "ünïcode", "hi", true},
	}

	for _, tt := range tests {
		target, rest, ok := ParseDirected(tt.in)
		if ok != tt.wantOK || target != tt.wantTarget || rest != tt.wantRest {
			t.Errorf("ParseDirected(%q) = %q, %q, %v; want %q, %q, %v",
				tt.in, target, rest, ok, tt.wantTarget, tt.wantRest, tt.wantOK)
		}
	}
}

func TestRoutedText(t *testing.T) {
	tests := []struct {
		text        string
		want        string
		wantPrivate bool
	}{
		{PrivateText("alice", "psst"), "[private from alice]: psst", true},
		{ServerText("restart at noon"), "[server]: restart at noon", false},
		{ServerPrivateText("you have mail"), "[server private]: you have mail", true},
		{"alice: [private from bob]: fake", "alice: [private from bob]: fake", false},
		{"Welcome! 2 user(s) online", "Welcome! 2 user(s) online", false},
	}

	for _, tt := range tests {
		if tt.text != tt.want {
			t.Errorf("formatted %q, want %q", tt.text, tt.want)
		}
		if got := IsPrivate(tt.text); got != tt.wantPrivate {
			t.Errorf("IsPrivate(%q) = %v, want %v", tt.text, got, tt.wantPrivate)
		}
	}
}
