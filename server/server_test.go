package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DrThorium/ServidorTFTP/storage"
	"github.com/DrThorium/ServidorTFTP/tftp"

	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfgs ...Cfg) (*Server, net.Addr) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	s, err := NewServer(append([]Cfg{
		WithTimeout(500 * time.Millisecond),
		WithRetries(2),
		WithReadTimeout(50 * time.Millisecond),
		WithSessionTTL(5 * time.Second),
	}, cfgs...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, conn)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return s, conn.LocalAddr()
}

type testClient struct {
	t      *testing.T
	conn   net.PacketConn
	server net.Addr
}

func newTestClient(t *testing.T, server net.Addr) *testClient {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, server: server}
}

func (c *testClient) send(p tftp.Packet) {
	_, err := c.conn.WriteTo(p.Serialize(), c.server)
	require.NoError(c.t, err)
}

func (c *testClient) recv() tftp.Packet {
	p, err := c.tryRecv(2 * time.Second)
	require.NoError(c.t, err)
	return p
}

func (c *testClient) tryRecv(timeout time.Duration) (tftp.Packet, error) {
	buf := make([]byte, tftp.MaxDatagramSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	n, _, err := c.conn.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	return tftp.ParsePacket(buf[:n])
}

// get runs a complete read transfer. It returns the ERROR packet if the
// server sent one instead of data.
func (c *testClient) get(filename string) ([]byte, *tftp.PacketError) {
	c.send(&tftp.PacketRequest{Op: tftp.OpRRQ, Filename: filename, Mode: "octet"})
	var content []byte
	for block := uint16(1); ; block++ {
		switch p := c.recv().(type) {
		case *tftp.PacketError:
			return content, p
		case *tftp.PacketData:
			require.Equal(c.t, block, p.BlockNum)
			content = append(content, p.Data...)
			c.send(&tftp.PacketAck{BlockNum: p.BlockNum})
			if len(p.Data) < tftp.BlockSize {
				return content, nil
			}
		default:
			c.t.Fatalf("unexpected packet %#v", p)
		}
	}
}

// put runs a complete write transfer.
func (c *testClient) put(filename string, content []byte) *tftp.PacketError {
	c.send(&tftp.PacketRequest{Op: tftp.OpWRQ, Filename: filename, Mode: "octet"})
	for block := uint16(0); ; block++ {
		switch p := c.recv().(type) {
		case *tftp.PacketError:
			return p
		case *tftp.PacketAck:
			require.Equal(c.t, block, p.BlockNum)
			start := int(block) * tftp.BlockSize
			if start > len(content) {
				return nil
			}
			end := start + tftp.BlockSize
			if end > len(content) {
				end = len(content)
			}
			c.send(&tftp.PacketData{BlockNum: block + 1, Data: content[start:end]})
		default:
			c.t.Fatalf("unexpected packet %#v", p)
		}
	}
}

func TestServerReadFile(t *testing.T) {
	store := storage.NewMemory()
	content := file(1024)
	store.Put("hello.bin", content)
	s, addr := startServer(t, WithStore(store))

	got, errPkt := newTestClient(t, addr).get("hello.bin")
	require.Nil(t, errPkt)
	require.Equal(t, content, got)
	require.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerWriteThenRead(t *testing.T) {
	store := storage.NewMemory()
	_, addr := startServer(t, WithStore(store))
	content := file(1300)

	require.Nil(t, newTestClient(t, addr).put("upload.bin", content))
	require.Eventually(t, func() bool {
		_, ok := store.Get("upload.bin")
		return ok
	}, time.Second, 10*time.Millisecond)

	got, errPkt := newTestClient(t, addr).get("upload.bin")
	require.Nil(t, errPkt)
	require.Equal(t, content, got)
}

func TestServerWriteSingleShortBlock(t *testing.T) {
	store := storage.NewMemory()
	_, addr := startServer(t, WithStore(store))
	c := newTestClient(t, addr)

	c.send(&tftp.PacketRequest{Op: tftp.OpWRQ, Filename: "small.txt", Mode: "octet"})
	require.Equal(t, ack(0), c.recv())
	c.send(&tftp.PacketData{BlockNum: 1, Data: file(300)})
	require.Equal(t, ack(1), c.recv())

	require.Eventually(t, func() bool {
		b, ok := store.Get("small.txt")
		return ok && len(b) == 300
	}, time.Second, 10*time.Millisecond)
}

func TestServerDirStore(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "boot.img"), file(2000), 0o644))
	_, addr := startServer(t, WithStore(storage.NewDir(root)))

	got, errPkt := newTestClient(t, addr).get("boot.img")
	require.Nil(t, errPkt)
	require.Equal(t, file(2000), got)

	require.Nil(t, newTestClient(t, addr).put("copy.img", got))
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(root, "copy.img"))
		return err == nil && len(b) == 2000
	}, time.Second, 10*time.Millisecond)
}

func TestServerReadMissingFile(t *testing.T) {
	_, addr := startServer(t, WithStore(storage.NewMemory()))
	c := newTestClient(t, addr)

	got, errPkt := c.get("nope.txt")
	require.Empty(t, got)
	require.NotNil(t, errPkt)
	require.Equal(t, tftp.ErrCodeFileNotFound, errPkt.Code)
	require.Equal(t, "File not found", errPkt.Msg)

	_, err := c.tryRecv(100 * time.Millisecond)
	require.Error(t, err, "no DATA follows the error")
}

func TestServerWriteCreateFails(t *testing.T) {
	_, addr := startServer(t, WithStore(storage.NewDir(t.TempDir())))
	errPkt := newTestClient(t, addr).put(filepath.Join("missing", "dir", "f.txt"), []byte("x"))
	require.NotNil(t, errPkt)
	require.Equal(t, tftp.ErrCodeFileNotFound, errPkt.Code)
}

func TestServerRejectsMode(t *testing.T) {
	store := storage.NewMemory()
	store.Put("f", []byte("x"))
	_, addr := startServer(t, WithStore(store))
	c := newTestClient(t, addr)

	c.send(&tftp.PacketRequest{Op: tftp.OpRRQ, Filename: "f", Mode: "mail"})
	p, ok := c.recv().(*tftp.PacketError)
	require.True(t, ok)
	require.Equal(t, tftp.ErrCodeIllegalOp, p.Code)

	// netascii is served byte for byte
	c.send(&tftp.PacketRequest{Op: tftp.OpRRQ, Filename: "f", Mode: "NetASCII"})
	require.Equal(t, data(1, []byte("x")), c.recv())
	c.send(ack(1))
}

func TestServerIgnoresStrayPackets(t *testing.T) {
	store := storage.NewMemory()
	store.Put("f", file(10))
	_, addr := startServer(t, WithStore(store))
	c := newTestClient(t, addr)

	c.send(ack(1))
	c.send(data(1, []byte("stray")))
	c.send(&tftp.PacketError{Code: tftp.ErrCodeUnknownTID, Msg: "who are you"})
	_, err := c.conn.WriteTo([]byte{0, 42, 1}, addr)
	require.NoError(t, err)

	_, err = c.tryRecv(100 * time.Millisecond)
	require.Error(t, err, "stray packets get no reply")

	got, errPkt := c.get("f")
	require.Nil(t, errPkt)
	require.Equal(t, file(10), got)
}

func TestServerDuplicateRequestDoesNotStartSecondTransfer(t *testing.T) {
	store := storage.NewMemory()
	store.Put("f", file(700))
	s, addr := startServer(t, WithStore(store))
	c := newTestClient(t, addr)

	rrq := &tftp.PacketRequest{Op: tftp.OpRRQ, Filename: "f", Mode: "octet"}
	c.send(rrq)
	require.Equal(t, data(1, file(700)[:512]), c.recv())
	c.send(rrq)
	require.Equal(t, 1, s.Active())

	c.send(ack(1))
	require.Equal(t, data(2, file(700)[512:]), c.recv())
	c.send(ack(2))

	_, err := c.tryRecv(100 * time.Millisecond)
	require.Error(t, err)
	require.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerConcurrentTransfers(t *testing.T) {
	store := storage.NewMemory()
	store.Put("big", file(2048))
	store.Put("small", file(20))
	s, addr := startServer(t, WithStore(store))

	a := newTestClient(t, addr)
	a.send(&tftp.PacketRequest{Op: tftp.OpRRQ, Filename: "big", Mode: "octet"})
	first, ok := a.recv().(*tftp.PacketData)
	require.True(t, ok)
	require.Equal(t, uint16(1), first.BlockNum)

	// a second client is served while the first transfer waits for its ACK
	got, errPkt := newTestClient(t, addr).get("small")
	require.Nil(t, errPkt)
	require.Equal(t, file(20), got)

	content := append([]byte{}, first.Data...)
	a.send(ack(1))
	for block := uint16(2); ; block++ {
		p, ok := a.recv().(*tftp.PacketData)
		require.True(t, ok)
		require.Equal(t, block, p.BlockNum)
		content = append(content, p.Data...)
		a.send(ack(block))
		if len(p.Data) < tftp.BlockSize {
			break
		}
	}
	require.Equal(t, file(2048), content)
	require.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerBusy(t *testing.T) {
	store := storage.NewMemory()
	store.Put("f", file(600))
	_, addr := startServer(t, WithStore(store), WithMaxTransfers(1))

	a := newTestClient(t, addr)
	a.send(&tftp.PacketRequest{Op: tftp.OpRRQ, Filename: "f", Mode: "octet"})
	_, ok := a.recv().(*tftp.PacketData)
	require.True(t, ok)

	_, errPkt := newTestClient(t, addr).get("f")
	require.NotNil(t, errPkt)
	require.Equal(t, "server busy", errPkt.Msg)

	a.send(ack(1))
	_, ok = a.recv().(*tftp.PacketData)
	require.True(t, ok)
	a.send(ack(2))
}

func TestServerReadRetransmitsThenAborts(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}
	store := storage.NewMemory()
	store.Put("f", file(100))
	s, addr := startServer(t, WithStore(store), WithTimeout(50*time.Millisecond), WithRetries(2))
	c := newTestClient(t, addr)

	c.send(&tftp.PacketRequest{Op: tftp.OpRRQ, Filename: "f", Mode: "octet"})
	// the original block and two retransmissions, all with the same block number
	for i := 0; i < 3; i++ {
		require.Equal(t, data(1, file(100)), c.recv())
	}
	p, ok := c.recv().(*tftp.PacketError)
	require.True(t, ok)
	require.Equal(t, tftp.ErrCodeNotDefined, p.Code)
	require.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerShutdownAbortsTransfers(t *testing.T) {
	store := storage.NewMemory()
	store.Put("f", file(600))
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	s, err := NewServer(WithStore(store), WithReadTimeout(50*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, conn)
	}()

	c := newTestClient(t, conn.LocalAddr())
	c.send(&tftp.PacketRequest{Op: tftp.OpRRQ, Filename: "f", Mode: "octet"})
	_, ok := c.recv().(*tftp.PacketData)
	require.True(t, ok)

	cancel()
	p, ok := c.recv().(*tftp.PacketError)
	require.True(t, ok)
	require.Equal(t, "server shutting down", p.Msg)
	require.NoError(t, <-done)
	require.Zero(t, s.Active())
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(WithTimeout(0))
	require.Error(t, err)
	_, err = NewServer(WithStore(nil))
	require.Error(t, err)
	_, err = NewServer(WithMaxTransfers(0))
	require.Error(t, err)
	_, err = NewServer(WithRetries(-1))
	require.Error(t, err)
	_, err = NewServer(WithTimeout(time.Minute), WithSessionTTL(time.Second))
	require.Error(t, err)
	_, err = NewServer(WithTimeout(time.Second), WithRetries(4), WithSessionTTL(5*time.Second))
	require.Error(t, err, "ttl equal to the longest idle wait")
	_, err = NewServer(WithTimeout(time.Second), WithRetries(4), WithSessionTTL(6*time.Second))
	require.NoError(t, err)

	s, err := NewServer()
	require.NoError(t, err)
	require.Equal(t, DefaultTimeout, s.cfg.Timeout)
	require.Equal(t, DefaultRetries, s.cfg.Retries)
}

type closeRecorder struct {
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestServerSpawnRejectsBoundAddress(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	s, err := NewServer(WithStore(storage.NewMemory()))
	require.NoError(t, err)

	client := newTestClient(t, conn.LocalAddr())
	addr := client.conn.LocalAddr()
	require.True(t, s.transfers.claim(addr.String(), &transfer{}))
	require.NoError(t, s.limit.acquire())

	f := &closeRecorder{}
	ran := false
	req := &tftp.PacketRequest{Op: tftp.OpRRQ, Filename: "hello.bin", Mode: "octet"}
	s.spawn(context.Background(), conn, addr, req, f, func(*transfer) (Stats, error) {
		ran = true
		return Stats{}, nil
	})
	s.wg.Wait()

	require.False(t, ran, "no transfer runs without a registry entry")
	require.True(t, f.closed)
	require.Zero(t, s.Active())
	require.Equal(t, &tftp.PacketError{Code: tftp.ErrCodeNotDefined, Msg: "transfer already in progress"}, client.recv())
}

func TestServerShutdownWithLongReadTimeout(t *testing.T) {
	for i := 0; i < 20; i++ {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		s, err := NewServer(WithStore(storage.NewMemory()), WithReadTimeout(time.Hour))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- s.Serve(ctx, conn)
		}()
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after cancellation")
		}
	}
}
