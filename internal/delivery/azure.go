package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureProvider uploads to an Azure Blob container. With an account name
// and key it signs requests with a shared key; otherwise AccountURL is
// expected to carry a SAS token.
type AzureProvider struct {
	AccountURL  string
	Container   string
	accountName string
	key         string
}

func (a *AzureProvider) Name() string { return "azure" }

func (a *AzureProvider) client() (*azblob.Client, error) {
	if a.accountName != "" {
		cred, err := azblob.NewSharedKeyCredential(a.accountName, a.key)
		if err != nil {
			return nil, fmt.Errorf("azure shared key: %w", err)
		}
		return azblob.NewClientWithSharedKeyCredential(a.AccountURL, cred, nil)
	}
	return azblob.NewClientWithNoCredential(a.AccountURL, nil)
}

func (a *AzureProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	if a.AccountURL == "" || a.Container == "" {
		return errors.New("azure account url and container are required")
	}
	client, err := a.client()
	if err != nil {
		return fmt.Errorf("azure client: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := client.UploadFile(ctx, a.Container, remotePath, f, nil); err != nil {
		return fmt.Errorf("azure upload %s/%s: %w", a.Container, remotePath, err)
	}
	return nil
}
