package bytestream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/bitrise-io/go-chunkupload/payload"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeServer struct {
	bytestream.UnimplementedByteStreamServer

	mu           sync.Mutex
	blobs        map[string][]byte
	writes       map[string]int
	tokens       []string
	unavailable  bool
	requireToken string
	namedFrames  int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		blobs:  map[string][]byte{},
		writes: map[string]int{},
	}
}

func (s *fakeServer) QueryWriteStatus(ctx context.Context, req *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return nil, status.Error(codes.Unavailable, "maintenance")
	}
	blob, ok := s.blobs[req.GetResourceName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "unknown resource")
	}
	return &bytestream.QueryWriteStatusResponse{CommittedSize: int64(len(blob))}, nil
}

func (s *fakeServer) Write(stream bytestream.ByteStream_WriteServer) error {
	var tokens []string
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		tokens = md.Get("authorization")
	}
	s.mu.Lock()
	s.tokens = append(s.tokens, tokens...)
	required := s.requireToken
	s.mu.Unlock()
	if required != "" && (len(tokens) == 0 || tokens[0] != required) {
		return status.Error(codes.PermissionDenied, "invalid token")
	}

	var name string
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if req.GetResourceName() != "" {
			name = req.GetResourceName()
			s.mu.Lock()
			s.namedFrames++
			s.mu.Unlock()
		}

		s.mu.Lock()
		blob := s.blobs[name]
		if req.GetWriteOffset() != int64(len(blob)) {
			s.mu.Unlock()
			return status.Errorf(codes.InvalidArgument, "offset %d, committed %d", req.GetWriteOffset(), len(blob))
		}
		s.blobs[name] = append(blob, req.GetData()...)
		s.writes[name]++
		s.mu.Unlock()

		if req.GetFinishWrite() {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(len(s.blobs[name]))})
}

func (s *fakeServer) blob(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[name]
}

func startServer(t *testing.T, server *fakeServer) *grpc.ClientConn {
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	bytestream.RegisterByteStreamServer(srv, server)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestClient_Upload(t *testing.T) {
	server := newFakeServer()
	conn := startServer(t, server)

	client := NewFromConn(conn, NewClientParams{
		Instance:    "main",
		Session:     "session-1",
		Token:       "secret",
		MessageSize: 4,
		Logger:      log.NewLogger(),
	})

	data := []byte("0123456789abcdefghijXYZ")
	u, err := upload.New(payload.NewBytes(data), payload.Info{Name: "blob"}, client.Request, upload.Config{ChunkSize: 10, Concurrency: 2})
	require.NoError(t, err)
	defer u.Close()

	responses, err := u.Start(context.Background())
	require.NoError(t, err)

	names, err := ResourceNames(responses)
	require.NoError(t, err)
	require.Len(t, names, 3)

	for i, chunk := range u.Chunks() {
		digest, err := chunk.Digest(context.Background())
		require.NoError(t, err)
		assert.Equal(t, client.ResourceName(digest, chunk.Size()), names[i])
		assert.True(t, strings.HasPrefix(names[i], "main/uploads/session-1/blobs/"))

		r := chunk.Range()
		assert.Equal(t, data[r.Start:r.End], server.blob(names[i]))
	}

	// 10 byte chunks in 4 byte messages
	server.mu.Lock()
	assert.Equal(t, 3, server.writes[names[0]])
	assert.Equal(t, 3, server.namedFrames)
	assert.Contains(t, server.tokens, "Bearer secret")
	server.mu.Unlock()
}

func TestClient_SkipsCommittedChunk(t *testing.T) {
	server := newFakeServer()
	conn := startServer(t, server)
	client := NewFromConn(conn, NewClientParams{Session: "s"})

	data := []byte("0123456789")
	u, err := upload.New(payload.NewBytes(data), payload.Info{Name: "blob"}, client.Request, upload.Config{ChunkSize: 10})
	require.NoError(t, err)
	defer u.Close()

	digest, err := u.Chunks()[0].Digest(context.Background())
	require.NoError(t, err)
	name := client.ResourceName(digest, 10)
	server.blobs[name] = append([]byte(nil), data...)

	responses, err := u.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{ResourceName: name, CommittedSize: 10}, responses[0])
	assert.Zero(t, server.writes[name])
}

func TestClient_ContinuesPartialWrite(t *testing.T) {
	server := newFakeServer()
	conn := startServer(t, server)
	client := NewFromConn(conn, NewClientParams{Session: "s", MessageSize: 3})

	data := []byte("0123456789")
	u, err := upload.New(payload.NewBytes(data), payload.Info{Name: "blob"}, client.Request, upload.Config{ChunkSize: 10})
	require.NoError(t, err)
	defer u.Close()

	digest, err := u.Chunks()[0].Digest(context.Background())
	require.NoError(t, err)
	name := client.ResourceName(digest, 10)
	server.blobs[name] = []byte("01234")

	_, err = u.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, data, server.blob(name))
	assert.Equal(t, 2, server.writes[name])
}

func TestClient_UnavailablePauses(t *testing.T) {
	server := newFakeServer()
	server.unavailable = true
	conn := startServer(t, server)
	client := NewFromConn(conn, NewClientParams{})

	u, err := upload.New(payload.NewBytes([]byte("0123456789")), payload.Info{Name: "blob"}, client.Request, upload.Config{ChunkSize: 5})
	require.NoError(t, err)
	defer u.Close()

	_, err = u.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, upload.StatusPaused, u.Status())
	assert.False(t, u.Online())
}

func TestClient_RejectedWriteFails(t *testing.T) {
	server := newFakeServer()
	server.requireToken = "Bearer secret"
	conn := startServer(t, server)
	client := NewFromConn(conn, NewClientParams{Token: "wrong"})

	u, err := upload.New(payload.NewBytes([]byte("0123456789")), payload.Info{Name: "blob"}, client.Request, upload.Config{ChunkSize: 10})
	require.NoError(t, err)
	defer u.Close()

	_, err = u.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Equal(t, upload.StatusError, u.Status())
	assert.True(t, u.Online())
}

func TestResourceNames(t *testing.T) {
	names, err := ResourceNames([]interface{}{
		Result{ResourceName: "a"},
		json.RawMessage(`{"resourceName":"b","committedSize":3}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	_, err = ResourceNames([]interface{}{"etag"})
	assert.Error(t, err)

	_, err = ResourceNames([]interface{}{json.RawMessage(`[`)})
	assert.Error(t, err)
}

func TestClient_Session(t *testing.T) {
	client := NewFromConn(nil, NewClientParams{})
	assert.NotEmpty(t, client.Session())
	assert.Equal(t, "uploads/"+client.Session()+"/blobs/d/3", client.ResourceName("d", 3))

	client = NewFromConn(nil, NewClientParams{Instance: "x", Session: "fixed"})
	assert.Equal(t, "x/uploads/fixed/blobs/d/3", client.ResourceName("d", 3))
}
