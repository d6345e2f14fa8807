package supabase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	storage "github.com/supabase-community/storage-go"

	"github.com/katarogu/account/internal/provider"
)

// storageClient はアクセストークンで認証するstorage-goクライアントを返す。
// storage-goはアップロード時にクライアントのヘッダーを書き換えるため、呼び出しごとに生成する。
func (f *Factory) storageClient(token string) *storage.Client {
	return storage.NewClient(f.cfg.URL+"/storage/v1", token, map[string]string{"apikey": f.cfg.AnonKey})
}

// Upload はオブジェクトをバケットにアップロードする。
func (c *Client) Upload(ctx context.Context, path string, data []byte, opts provider.UploadOptions) error {
	token, err := c.accessToken()
	if err != nil {
		return err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	upsert := opts.Overwrite

	return awaitStorage(ctx, func() error {
		_, err := c.factory.storageClient(token).UploadFile(c.factory.cfg.Bucket, escapePath(path), bytes.NewReader(data), storage.FileOptions{
			ContentType: &contentType,
			Upsert:      &upsert,
		})
		return err
	})
}

// Remove はオブジェクトを削除する。
func (c *Client) Remove(ctx context.Context, paths []string) error {
	token, err := c.accessToken()
	if err != nil {
		return err
	}
	return awaitStorage(ctx, func() error {
		_, err := c.factory.storageClient(token).RemoveFile(c.factory.cfg.Bucket, paths)
		return err
	})
}

// PublicURL は公開バケット上のオブジェクトURLを返す。
func (c *Client) PublicURL(path string) string {
	return c.factory.storageClient("").GetPublicUrl(c.factory.cfg.Bucket, escapePath(path)).SignedURL
}

// awaitStorage はfnの完了かctxの終了のいずれか早い方まで待つ。
// storage-goはcontextを受け取らないため、ctx終了後もfnはバックグラウンドで完了まで走る。
func awaitStorage(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return storageError(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// storageError はstorage-goのエラーをprovider.Errorに変換する。
func storageError(err error) error {
	if err == nil {
		return nil
	}
	var se *storage.StorageError
	if errors.As(err, &se) {
		return &provider.Error{StatusCode: se.Status, Message: se.Message}
	}
	return fmt.Errorf("storage request failed: %w", err)
}

// escapePath はパスのセグメントごとにエスケープする。
func escapePath(p string) string {
	segs := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
