package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"msg_relay/server/common/log"
	"msg_relay/server/relay/domain"
)

const defaultPresignTTL = 15 * time.Minute

// AttachmentSigner turns stored attachment object keys into URLs a client can
// fetch.
type AttachmentSigner interface {
	Sign(ctx context.Context, keys []string) ([]string, error)
}

type MinioSigner struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

func NewMinioSigner(client *minio.Client, bucket string, ttl time.Duration) *MinioSigner {
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	return &MinioSigner{client: client, bucket: bucket, ttl: ttl}
}

// Sign presigns every key that is not already an absolute URL.
func (s *MinioSigner) Sign(ctx context.Context, keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
			out = append(out, key)
			continue
		}
		u, err := s.client.PresignedGetObject(ctx, s.bucket, strings.TrimPrefix(key, "/"), s.ttl, url.Values{})
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", key, err)
		}
		out = append(out, u.String())
	}
	return out, nil
}

func signAttachments(ctx context.Context, signer AttachmentSigner, msg domain.Message) domain.Message {
	if signer == nil || len(msg.Attachments) == 0 {
		return msg
	}
	signed, err := signer.Sign(ctx, msg.Attachments)
	if err != nil {
		log.Warnf("event=relay_attachment action=sign status=failed message_id=%s error=%v", msg.ID, err)
		return msg
	}
	msg.Attachments = signed
	return msg
}
