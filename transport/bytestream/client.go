// Package bytestream uploads chunks as content addressed blobs over the gRPC ByteStream API.
package bytestream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// DefaultMessageSize is the largest data frame sent in one WriteRequest.
const DefaultMessageSize = 1024 * 1024

type Client struct {
	bytestreamClient bytestream.ByteStreamClient
	instance         string
	session          string
	token            string
	messageSize      int
	logger           log.Logger
}

type NewClientParams struct {
	UseInsecure bool
	Host        string

	// Instance prefixes every resource name.
	Instance string

	// Session groups the writes of one upload. Reusing the session of an interrupted
	// upload lets partially written chunks continue at their committed offset.
	// Default: a random UUID
	Session string

	Token string

	// MessageSize defaults to DefaultMessageSize.
	MessageSize int

	Logger log.Logger
}

// NewClient connects to a ByteStream server.
func NewClient(p NewClientParams) (*Client, error) {
	opts := make([]grpc.DialOption, 0)
	if p.UseInsecure {
		creds := insecure.NewCredentials()
		insecureOpt := grpc.WithTransportCredentials(creds)
		opts = append(opts, insecureOpt)
	}

	conn, err := grpc.NewClient(p.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.Host, err)
	}

	return NewFromConn(conn, p), nil
}

// NewFromConn creates a Client on an existing connection.
func NewFromConn(conn grpc.ClientConnInterface, p NewClientParams) *Client {
	session := p.Session
	if session == "" {
		session = uuid.NewString()
	}
	messageSize := p.MessageSize
	if messageSize <= 0 {
		messageSize = DefaultMessageSize
	}
	logger := p.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Client{
		bytestreamClient: bytestream.NewByteStreamClient(conn),
		instance:         p.Instance,
		session:          session,
		token:            p.Token,
		messageSize:      messageSize,
		logger:           logger,
	}
}

// Session returns the write session of the client.
func (c *Client) Session() string {
	return c.session
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	md := metadata.Pairs("authorization", fmt.Sprintf("Bearer %s", c.token))
	return metadata.NewOutgoingContext(ctx, md)
}

// chunkWriter streams one chunk to a write resource, starting at the committed offset.
type chunkWriter struct {
	stream       bytestream.ByteStream_WriteClient
	resourceName string
	offset       int64
	size         int64
	frameSize    int
	sent         int
}

// send streams data[w.offset:] in frames. Only the first frame names the resource. A stream
// closed early by the server is not an error here; its status is reported by commit.
func (w *chunkWriter) send(data []byte) error {
	for {
		frame := data[w.offset:]
		if len(frame) > w.frameSize {
			frame = frame[:w.frameSize]
		}

		req := &bytestream.WriteRequest{
			WriteOffset: w.offset,
			Data:        frame,
			FinishWrite: w.offset+int64(len(frame)) >= w.size,
		}
		if w.sent == 0 {
			req.ResourceName = w.resourceName
		}

		err := w.stream.Send(req)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("send frame at offset %d: %w", w.offset, err)
		}
		w.sent++
		w.offset += int64(len(frame))

		if req.FinishWrite {
			return nil
		}
	}
}

// commit closes the stream and checks that the server committed the whole chunk.
func (w *chunkWriter) commit() (int64, error) {
	resp, err := w.stream.CloseAndRecv()
	if err != nil {
		return 0, fmt.Errorf("commit %s: %w", w.resourceName, err)
	}
	if resp.GetCommittedSize() != w.size {
		return 0, fmt.Errorf("server committed %d of %d bytes for %s", resp.GetCommittedSize(), w.size, w.resourceName)
	}
	return resp.GetCommittedSize(), nil
}
