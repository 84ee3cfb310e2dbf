package bytestream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bitrise-io/go-chunkupload/payload"
	"github.com/bitrise-io/go-chunkupload/upload"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Result is the response of an uploaded chunk.
type Result struct {
	ResourceName  string `json:"resourceName"`
	CommittedSize int64  `json:"committedSize"`
}

// ResourceName is the write resource of a chunk with the given digest and size.
func (c *Client) ResourceName(digest string, size int64) string {
	name := fmt.Sprintf("uploads/%s/blobs/%s/%d", c.session, digest, size)
	if c.instance != "" {
		name = c.instance + "/" + name
	}
	return name
}

// Request writes the chunk to the resource named after its digest. A write already
// committed by the server, fully or partially, is continued instead of being sent again.
func (c *Client) Request(ctx context.Context, chunk *upload.Chunk, info payload.Info) (interface{}, error) {
	digest, err := chunk.Digest(ctx)
	if err != nil {
		return nil, err
	}
	data, err := chunk.Data(ctx)
	if err != nil {
		return nil, err
	}

	size := int64(len(data))
	resourceName := c.ResourceName(digest, size)
	ctx = c.outgoing(ctx)

	offset, err := c.committedSize(ctx, resourceName)
	if err != nil {
		return nil, wrapStatus(err)
	}
	if offset > 0 && offset >= size {
		c.logger.Debugf("Chunk %d already committed as %s", chunk.Index()+1, resourceName)
		return Result{ResourceName: resourceName, CommittedSize: offset}, nil
	}
	if offset > 0 {
		c.logger.Debugf("Continuing chunk %d at offset %d", chunk.Index()+1, offset)
	}

	stream, err := c.bytestreamClient.Write(ctx)
	if err != nil {
		return nil, wrapStatus(fmt.Errorf("initiate write: %w", err))
	}

	w := &chunkWriter{
		stream:       stream,
		resourceName: resourceName,
		offset:       offset,
		size:         size,
		frameSize:    c.messageSize,
	}
	if err := w.send(data); err != nil {
		return nil, wrapStatus(err)
	}

	committed, err := w.commit()
	if err != nil {
		return nil, wrapStatus(err)
	}

	return Result{ResourceName: resourceName, CommittedSize: committed}, nil
}

func (c *Client) committedSize(ctx context.Context, resourceName string) (int64, error) {
	resp, err := c.bytestreamClient.QueryWriteStatus(ctx, &bytestream.QueryWriteStatusRequest{
		ResourceName: resourceName,
	})
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query write status: %w", err)
	}
	return resp.GetCommittedSize(), nil
}

// ResourceNames collects the chunk resource names in index order from uploader responses,
// including responses restored from a snapshot.
func ResourceNames(responses []interface{}) ([]string, error) {
	names := make([]string, len(responses))
	for i, response := range responses {
		switch r := response.(type) {
		case Result:
			names[i] = r.ResourceName
		case json.RawMessage:
			var result Result
			if err := json.Unmarshal(r, &result); err != nil {
				return nil, fmt.Errorf("decode chunk %d response: %w", i+1, err)
			}
			names[i] = result.ResourceName
		default:
			return nil, fmt.Errorf("chunk %d: unexpected response type: %T", i+1, response)
		}
	}
	return names, nil
}

func wrapStatus(err error) error {
	if status.Code(err) == codes.Unavailable {
		return fmt.Errorf("%w: %s", upload.ErrOffline, err)
	}
	return err
}
