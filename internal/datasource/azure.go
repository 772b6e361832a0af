package datasource

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

type azureSource struct {
	client    *azblob.Client
	container string
	prefix    string
}

func NewAzureSource() (Source, error) {
	account := os.Getenv("AZURE_STORAGE_ACCOUNT")
	key := os.Getenv("AZURE_STORAGE_KEY")
	container := os.Getenv("AZURE_BLOB_CONTAINER")
	if account == "" || key == "" || container == "" {
		return nil, fmt.Errorf("AZURE_STORAGE_ACCOUNT/AZURE_STORAGE_KEY/AZURE_BLOB_CONTAINER required for azure data source")
	}
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("build shared key credential: %w", err)
	}
	url := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClientWithSharedKeyCredential(url, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &azureSource{
		client:    client,
		container: container,
		prefix:    os.Getenv("AZURE_BLOB_PREFIX"),
	}, nil
}

func (a *azureSource) Name() string {
	return "azure"
}

func (a *azureSource) Sync(ctx context.Context, dest *Destination) (Report, error) {
	var report Report
	opts := &azblob.ListBlobsFlatOptions{}
	if a.prefix != "" {
		opts.Prefix = &a.prefix
	}
	pager := a.client.NewListBlobsFlatPager(a.container, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return report, fmt.Errorf("list container %s: %w", a.container, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			name := *item.Name
			rel := relativeTo(a.prefix, name)
			if rel == "" {
				continue
			}
			var (
				size    int64
				modTime time.Time
			)
			if props := item.Properties; props != nil {
				if props.ContentLength != nil {
					size = *props.ContentLength
				}
				if props.LastModified != nil {
					modTime = *props.LastModified
				}
			}
			if !modTime.IsZero() && dest.Fresh(rel, size, modTime) {
				report.Skipped++
				continue
			}
			n, err := dest.Write(rel, modTime, func(w io.Writer) error {
				resp, err := a.client.DownloadStream(ctx, a.container, name, nil)
				if err != nil {
					return fmt.Errorf("download %s: %w", name, err)
				}
				defer resp.Body.Close()
				_, err = io.Copy(w, resp.Body)
				return err
			})
			if err != nil {
				return report, err
			}
			report.Files++
			report.Bytes += n
		}
	}
	return report, nil
}
