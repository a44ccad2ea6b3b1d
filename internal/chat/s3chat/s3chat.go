// Copyright (C) 2023 olix3001

// Package s3chat stores messages as S3 objects under monotonically growing
// keys. Key order stands in for channel order. It uses aws api v1.
package s3chat

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/olix3001/DAAFS/internal/chat"
)

const (
	// Format string for the object key. We split the key into halves and
	// use the lower half of bits as s3 prefix and upper half for the
	// object key. This is to prevent s3 rate limiting which is applied to
	// objects with the same prefix.
	keyFmt = "%08x/%08x"

	// Per-object payload cap. S3 itself allows far more, this bounds
	// memory used when whole objects are buffered.
	payloadLimit = 8 << 20
)

// S3 implements chat.Channel on one bucket. Keys start at 1 so that 0 can
// stay a reserved "no message" value.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string

	mu      sync.Mutex
	nextKey uint64
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

func New(o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket

	// Following settings are recommended by AWS for usage in their
	// network.
	httpClient := chat.NewHTTPClientWithSettings(chat.HTTPClientSettings{
		Connect:          5 * time.Second,
		ExpectContinue:   1 * time.Second,
		IdleConn:         90 * time.Second,
		ConnKeepAlive:    30 * time.Second,
		MaxAllIdleConns:  100,
		MaxHostIdleConns: 10,
		ResponseHeader:   5 * time.Second,
		TLSHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})

	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Objects are small, multipart transfers buy nothing here.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	if err := s.makeBucketExist(); err != nil {
		return nil, err
	}

	// Resume the key sequence after the highest existing object.
	keys, err := s.listKeys()
	if err != nil {
		return nil, err
	}
	s.nextKey = 1
	for _, k := range keys {
		if k >= s.nextKey {
			s.nextKey = k + 1
		}
	}

	return s, nil
}

func (s *S3) Send(body []byte) (uint64, error) {
	if len(body) > payloadLimit {
		return 0, chat.ErrPayloadTooLarge
	}

	s.mu.Lock()
	key := s.nextKey
	s.nextKey++
	s.mu.Unlock()

	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(key)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return 0, classify(err)
	}

	return key, nil
}

func (s *S3) Fetch(id uint64) ([]byte, error) {
	b := aws.NewWriteAtBuffer(nil)

	_, err := s.downloader.Download(b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(id)),
	})
	if err != nil {
		return nil, classify(err)
	}

	return b.Bytes(), nil
}

func (s *S3) Delete(id uint64) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(id)),
	})

	return classify(err)
}

// MoveToEnd re-uploads the object under a fresh key and deletes the old one.
func (s *S3) MoveToEnd(id uint64) (uint64, error) {
	body, err := s.Fetch(id)
	if err != nil {
		return 0, err
	}

	newID, err := s.Send(body)
	if err != nil {
		return 0, err
	}

	if err := s.Delete(id); err != nil {
		return 0, err
	}

	return newID, nil
}

func (s *S3) Recent(limit int) ([]chat.Message, error) {
	keys, err := s.listKeys()
	if err != nil {
		return nil, err
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	if len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]chat.Message, 0, len(keys))
	for _, k := range keys {
		body, err := s.Fetch(k)
		if err != nil {
			return nil, err
		}
		out = append(out, chat.Message{ID: k, Body: body})
	}

	return out, nil
}

func (s *S3) PayloadLimit() int {
	return payloadLimit
}

func (s *S3) listKeys() ([]uint64, error) {
	var keys []uint64

	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			keys = append(keys, decode(*o.Key))
		}
		return true
	})
	if err != nil {
		return nil, classify(err)
	}

	return keys, nil
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

// classify maps missing keys to chat.ErrNotFound and recoverable backend
// failures to transient errors.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return chat.ErrNotFound
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable",
			request.ErrCodeRequestError, request.ErrCodeSerialization:
			return chat.Transient(err)
		}
		if rerr, ok := err.(awserr.RequestFailure); ok && rerr.StatusCode() >= 500 {
			return chat.Transient(err)
		}
		return err
	}

	return chat.Transient(err)
}

// We split the key into halves and use the lower half of bits as s3 prefix and
// upper half for the object key. This is to prevent s3 rate limiting which is
// applied to objects with the same prefix.
func encode(key uint64) string {
	left := (key >> 32) & 0xffffffff
	right := key & 0xffffffff

	return fmt.Sprintf(keyFmt, right, left)
}

// The inverse to encode()
func decode(keyWithPrefix string) uint64 {
	var prefix, key uint64
	fmt.Sscanf(keyWithPrefix, keyFmt, &prefix, &key)

	k := (key << 32) + prefix

	return k
}
