// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package nog

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nogproject/nog/internal/sync2"
)

// UploadBlobs uploads blobs with bounded parallelism.  Parts within one
// blob are strictly sequential; parallelism is across blobs only.
func (repo *RemoteRepo) UploadBlobs(ctx context.Context, blobs []BlobSource) (err error) {
	defer mon.Task()(&ctx)(&err)

	limiter := sync2.NewLimiter(S3Parallel)
	var mu sync.Mutex
	var group []error
	for _, blob := range blobs {
		blob := blob
		started := limiter.Go(ctx, func() {
			if err := repo.UploadBlob(ctx, blob); err != nil {
				mu.Lock()
				group = append(group, err)
				mu.Unlock()
			}
		})
		if !started {
			limiter.Wait()
			return Error.Wrap(ctx.Err())
		}
	}
	limiter.Wait()
	return errs.Combine(group...)
}

// UploadBlob uploads one blob through presigned S3 URLs: start the upload,
// PUT each part in order, follow the parts pagination, then complete the
// upload with the collected ETags.  A start conflict means the blob is
// already in the repo and short-circuits to success.
func (repo *RemoteRepo) UploadBlob(ctx context.Context, blob BlobSource) (err error) {
	defer mon.Task()(&ctx)(&err)

	log := repo.session.log.With(
		zap.String("sha1", blob.SHA1()),
		zap.String("name", blob.Name()))

	if file, ok := blob.(*BlobFile); ok {
		// The file content must still match the hash recorded when the
		// blob was attached.
		if err := file.Verify(); err != nil {
			return err
		}
	}
	size, err := blob.Size()
	if err != nil {
		return err
	}

	log.Info("Uploading blob.", zap.Int64("size", size))
	res, err := repo.startUpload(ctx, blob.SHA1(), map[string]interface{}{
		"size": size,
		"name": blob.Name(),
	})
	if err != nil {
		return err
	}
	if res == nil {
		log.Info("Uploading blob skipped, already available.")
		return nil
	}

	completeURL, err := uploadField(res, "upload")
	if err != nil {
		return err
	}
	parts, ok := res["parts"].(map[string]interface{})
	if !ok {
		return Error.New("unexpected upload response format")
	}

	var s3Parts []interface{}
	for {
		items, ok := parts["items"].([]interface{})
		if !ok || len(items) == 0 {
			return Error.New("unexpected upload parts format")
		}
		part, ok := items[0].(map[string]interface{})
		if !ok {
			return Error.New("unexpected upload parts format")
		}
		etag, err := repo.putPart(ctx, blob, part)
		if err != nil {
			return err
		}
		s3Parts = append(s3Parts, map[string]interface{}{
			"PartNumber": part["partNumber"],
			"ETag":       etag,
		})

		next := asString(parts["next"])
		if next == "" {
			break
		}
		data, err := repo.session.client.GetJSON(ctx, next)
		if err != nil {
			return err
		}
		parts, ok = data.(map[string]interface{})
		if !ok {
			return Error.New("unexpected upload parts format")
		}
	}

	_, err = repo.session.client.PostJSON(ctx, completeURL,
		map[string]interface{}{"s3Parts": s3Parts}, 201)
	if err != nil {
		return err
	}
	log.Info("Uploading blob done.")
	return nil
}

// putPart PUTs the bytes [start, end) to the part's presigned URL and
// verifies that the response ETag is the quoted MD5 of the uploaded bytes.
func (repo *RemoteRepo) putPart(ctx context.Context, blob BlobSource, part map[string]interface{}) (string, error) {
	start, ok := asInt(part["start"])
	if !ok {
		return "", Error.New("unexpected upload part format")
	}
	end, ok := asInt(part["end"])
	if !ok {
		return "", Error.New("unexpected upload part format")
	}
	href := asString(part["href"])
	if href == "" {
		return "", Error.New("unexpected upload part format")
	}

	data, err := blob.ReadRange(start, end)
	if err != nil {
		return "", err
	}
	etag, err := repo.session.client.PutPresigned(ctx, href, data)
	if err != nil {
		return "", err
	}
	md5 := md5Hex(data)
	if etag != `"`+md5+`"` {
		return "", ErrETagMismatch.New(
			"expected ETag for MD5 %s, got %s", md5, etag)
	}
	return etag, nil
}

// startUpload returns nil when the blob already exists in the repo.  The
// part limit is 1 because parts are uploaded sequentially.
func (repo *RemoteRepo) startUpload(ctx context.Context, sha1 string, content map[string]interface{}) (map[string]interface{}, error) {
	data, status, err := repo.session.client.PostJSONStatus(ctx,
		repo.url+"/db/blobs/"+sha1+"/uploads?limit=1", content, 201, 409)
	if err != nil {
		return nil, err
	}
	if status == 409 {
		return nil, nil
	}
	res, ok := data.(map[string]interface{})
	if !ok {
		return nil, Error.New("unexpected upload response format")
	}
	return res, nil
}

func uploadField(res map[string]interface{}, key string) (string, error) {
	m, ok := res[key].(map[string]interface{})
	if !ok {
		return "", Error.New("unexpected upload response format")
	}
	href := asString(m["href"])
	if href == "" {
		return "", Error.New("unexpected upload response format")
	}
	return href, nil
}
