package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/muti-relay/internal/filetransfer"
	"github.com/postalsys/muti-relay/internal/history"
	"github.com/postalsys/muti-relay/internal/protocol"
)

func writeRandomFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path, data
}

// receiveFile reads one complete transfer from c into a receiver and returns
// the envelopes seen and the stored path.
func receiveFile(t *testing.T, c *testClient, dir string) ([]protocol.Envelope, filetransfer.Result) {
	t.Helper()

	rx := filetransfer.NewReceiver(filetransfer.ReceiverConfig{Dir: dir})
	var seen []protocol.Envelope
	for {
		env, err := c.read()
		if err != nil {
			t.Fatalf("%s: read: %v", c.name, err)
		}
		seen = append(seen, env)

		switch env.Kind {
		case protocol.KindFile:
			if _, err := rx.Begin(env); err != nil {
				t.Fatalf("Begin: %v", err)
			}
		case protocol.KindFileData:
			if _, err := rx.Ingest(env); err != nil {
				t.Fatalf("Ingest: %v", err)
			}
		case protocol.KindFileComplete:
			res, err := rx.Complete(env)
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			return seen, res
		}
	}
}

func TestFileRelayRoundTrip(t *testing.T) {
	store, _, err := history.Open(t.TempDir())
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv, m := newTestServer(t, nil, func(o *Options) { o.Ledger = store })
	c := join(t, srv, "alice", "bob")
	alice, bob := c[0], c[1]

	const size = 20000
	path, data := writeRandomFile(t, "report.bin", size)

	res, err := filetransfer.NewSender(filetransfer.SenderConfig{}).Send(context.Background(), path, alice.fw)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	seen, got := receiveFile(t, bob, t.TempDir())

	if seen[0].Meta(protocol.MetaSender) != "alice" {
		t.Errorf("FILE sender = %q, want alice", seen[0].Meta(protocol.MetaSender))
	}
	wantChunks := filetransfer.ChunkCount(size)
	if got.Chunks != wantChunks || got.Bytes != size {
		t.Errorf("received %d chunks / %d bytes, want %d / %d", got.Chunks, got.Bytes, wantChunks, size)
	}
	if !got.Verified || !got.ChecksumOK {
		t.Errorf("checksum verified=%v ok=%v", got.Verified, got.ChecksumOK)
	}

	// the shared-file notice comes right before FILE_COMPLETE
	notice := seen[len(seen)-2]
	if notice.Kind != protocol.KindText || notice.Payload != "alice shared file report.bin" {
		t.Errorf("notice = %s %q", notice.Kind, notice.Payload)
	}

	relayed, err := os.ReadFile(got.StoredPath)
	if err != nil {
		t.Fatalf("read relayed copy: %v", err)
	}
	if !bytes.Equal(relayed, data) {
		t.Error("relayed copy differs from source")
	}

	stored, err := os.ReadFile(filepath.Join(srv.cfg.FilesDir, "alice_report.bin"))
	if err != nil {
		t.Fatalf("read server copy: %v", err)
	}
	if !bytes.Equal(stored, data) {
		t.Error("server copy differs from source")
	}
	alice.expectNothing()

	if got := testutil.ToFloat64(m.TransfersCompleted); got != 1 {
		t.Errorf("TransfersCompleted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TransfersActive); got != 0 {
		t.Errorf("TransfersActive = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.TransferBytes); got != size {
		t.Errorf("TransferBytes = %v, want %d", got, size)
	}

	rec, err := store.GetTransfer(res.TransferID)
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if rec.Status != history.StatusComplete || rec.Bytes != size || rec.Peer != "alice" {
		t.Errorf("ledger row = %+v", rec)
	}
	if rec.ChecksumOK == nil || !*rec.ChecksumOK {
		t.Errorf("ledger ChecksumOK = %v, want true", rec.ChecksumOK)
	}
}

func TestHexEncodedUploadIsStored(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	c := join(t, srv, "alice", "bob")

	path, data := writeRandomFile(t, "notes.txt", 3*protocol.ChunkSize+5)
	sender := filetransfer.NewSender(filetransfer.SenderConfig{Encoding: protocol.EncodingHex})
	if _, err := sender.Send(context.Background(), path, c[0].fw); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, got := receiveFile(t, c[1], t.TempDir())
	if got.Bytes != int64(len(data)) {
		t.Errorf("Bytes = %d, want %d", got.Bytes, len(data))
	}

	stored, err := os.ReadFile(filepath.Join(srv.cfg.FilesDir, "alice_notes.txt"))
	if err != nil {
		t.Fatalf("read server copy: %v", err)
	}
	if !bytes.Equal(stored, data) {
		t.Error("server copy differs from source")
	}
}

func TestUploadNameCollision(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	c := join(t, srv, "alice", "bob")

	for i := 0; i < 2; i++ {
		path, _ := writeRandomFile(t, "report.pdf", 100)
		if _, err := filetransfer.NewSender(filetransfer.SenderConfig{}).Send(context.Background(), path, c[0].fw); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
		receiveFile(t, c[1], t.TempDir())
	}

	for _, name := range []string{"alice_report.pdf", "alice_report_1.pdf"} {
		if _, err := os.Stat(filepath.Join(srv.cfg.FilesDir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}

func TestDisconnectMidTransfer(t *testing.T) {
	srv, m := newTestServer(t, nil)
	c := join(t, srv, "alice", "bob")
	alice, bob := c[0], c[1]

	chunk := bytes.Repeat([]byte{0xab}, protocol.ChunkSize)
	alice.send(protocol.NewEnvelope(protocol.KindFile, "", map[string]string{
		protocol.MetaFilename:   "big.iso",
		protocol.MetaSize:       strconv.Itoa(4 * protocol.ChunkSize),
		protocol.MetaTransferID: "t-1",
	}))
	data := protocol.NewEnvelope(protocol.KindFileData, "", map[string]string{
		protocol.MetaEncoding: protocol.EncodingBinary,
	})
	data.Chunk = chunk
	alice.send(data)

	bob.expect(protocol.KindFile)
	bob.expect(protocol.KindFileData)
	waitFor(t, "upload to start", func() bool { return srv.Stats().ActiveTransfers == 1 })

	alice.conn.Close()
	bob.expect(protocol.KindUserLeave)

	partial := filepath.Join(srv.cfg.FilesDir, "alice_big.iso")
	info, err := os.Stat(partial)
	if err != nil {
		t.Fatalf("partial file missing: %v", err)
	}
	if info.Size() != protocol.ChunkSize {
		t.Errorf("partial size = %d, want %d", info.Size(), protocol.ChunkSize)
	}
	if got := testutil.ToFloat64(m.TransfersAborted.WithLabelValues("disconnect")); got != 1 {
		t.Errorf("TransfersAborted{disconnect} = %v, want 1", got)
	}
	if srv.Stats().ActiveTransfers != 0 {
		t.Error("aborted upload still counted as active")
	}

	// a reconnect starts a fresh, unaffected session
	alice = join(t, srv, "alice")[0]
	bob.expect(protocol.KindUserJoin)

	path, src := writeRandomFile(t, "big.iso", 1000)
	if _, err := filetransfer.NewSender(filetransfer.SenderConfig{}).Send(context.Background(), path, alice.fw); err != nil {
		t.Fatalf("Send: %v", err)
	}
	receiveFile(t, bob, t.TempDir())

	fresh, err := os.ReadFile(filepath.Join(srv.cfg.FilesDir, "alice_big_1.iso"))
	if err != nil {
		t.Fatalf("fresh upload missing: %v", err)
	}
	if !bytes.Equal(fresh, src) {
		t.Error("fresh upload differs from source")
	}
}

func TestNewFileSupersedesUnfinishedUpload(t *testing.T) {
	srv, m := newTestServer(t, nil)
	c := join(t, srv, "alice", "bob")

	c[0].send(protocol.NewEnvelope(protocol.KindFile, "", map[string]string{protocol.MetaFilename: "first.txt"}))
	c[1].expect(protocol.KindFile)

	path, _ := writeRandomFile(t, "second.txt", 10)
	if _, err := filetransfer.NewSender(filetransfer.SenderConfig{}).Send(context.Background(), path, c[0].fw); err != nil {
		t.Fatalf("Send: %v", err)
	}
	receiveFile(t, c[1], t.TempDir())

	if got := testutil.ToFloat64(m.TransfersAborted.WithLabelValues("superseded")); got != 1 {
		t.Errorf("TransfersAborted{superseded} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TransfersActive); got != 0 {
		t.Errorf("TransfersActive = %v, want 0", got)
	}
}

func TestStrayChunksAreRelayed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	c := join(t, srv, "alice", "bob")

	c[0].send(protocol.NewEnvelope(protocol.KindFileData, "00ff", nil))
	env := c[1].expect(protocol.KindFileData)
	if env.Payload != "00ff" {
		t.Errorf("payload = %q", env.Payload)
	}

	c[0].send(protocol.NewEnvelope(protocol.KindFileComplete, "", map[string]string{protocol.MetaFilename: "ghost.txt"}))
	c[1].expectText("alice shared file ghost.txt")
	c[1].expect(protocol.KindFileComplete)
}

func TestOperatorSendFileToOneUser(t *testing.T) {
	store, _, err := history.Open(t.TempDir())
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv, _ := newTestServer(t, nil, func(o *Options) { o.Ledger = store })
	c := join(t, srv, "alice", "bob")

	path, data := writeRandomFile(t, "agenda.md", 9000)
	var last filetransfer.Progress
	res, err := srv.SendFile(context.Background(), path, "bob", func(p filetransfer.Progress) { last = p })
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if !last.Done || last.Bytes != int64(len(data)) {
		t.Errorf("final progress = %+v", last)
	}

	seen, got := receiveFile(t, c[1], t.TempDir())
	if seen[0].Meta(protocol.MetaSender) != ServerName {
		t.Errorf("sender = %q, want %q", seen[0].Meta(protocol.MetaSender), ServerName)
	}
	stored, _ := os.ReadFile(got.StoredPath)
	if !bytes.Equal(stored, data) {
		t.Error("received file differs from source")
	}
	c[0].expectNothing()

	rec, err := store.GetTransfer(res.TransferID)
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if rec.Direction != history.DirectionOutbound || rec.Recipient != "bob" || rec.Status != history.StatusComplete {
		t.Errorf("ledger row = %+v", rec)
	}
}

func TestOperatorSendFileToEveryone(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	c := join(t, srv, "alice", "bob")

	path, _ := writeRandomFile(t, "all.txt", 100)
	if _, err := srv.SendFile(context.Background(), path, "", nil); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	receiveFile(t, c[0], t.TempDir())
	receiveFile(t, c[1], t.TempDir())
}

func TestOperatorSendFileErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	path, _ := writeRandomFile(t, "x.txt", 10)

	if _, err := srv.SendFile(context.Background(), path, "", nil); !errors.Is(err, ErrNoRecipients) {
		t.Errorf("empty room error = %v, want ErrNoRecipients", err)
	}

	join(t, srv, "alice")
	if _, err := srv.SendFile(context.Background(), path, "ghost", nil); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("unknown user error = %v, want ErrUnknownUser", err)
	}
	if _, err := srv.SendFile(context.Background(), filepath.Join(t.TempDir(), "missing"), "alice", nil); err == nil {
		t.Error("missing file should fail")
	}
}

func TestSessionRecordedInLedger(t *testing.T) {
	store, _, err := history.Open(t.TempDir())
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv, _ := newTestServer(t, nil, func(o *Options) { o.Ledger = store })
	c := join(t, srv, "alice", "bob")

	c[1].conn.Close()
	c[0].expect(protocol.KindUserLeave)

	sessions, err := store.ListSessions(0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Username != "bob" || sessions[0].Transport != "tcp" {
		t.Errorf("sessions = %+v", sessions)
	}
}
