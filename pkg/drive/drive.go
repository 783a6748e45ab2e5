package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// FileRef points at a stored file in Google Drive.
type FileRef struct {
	ID          string
	Name        string
	MimeType    string
	Size        int64
	WebViewLink string
}

// Config defines configuration options for the Drive client.
type Config struct {
	CredentialsJSON []byte
	Logger          zerolog.Logger
}

// Client wraps the Drive v3 API for document storage. Files live inside a
// folder hierarchy owned by the service account.
type Client struct {
	service *drive.Service
	logger  zerolog.Logger
}

// NewClient builds a Drive client from service account credentials.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.CredentialsJSON) == 0 {
		return nil, fmt.Errorf("drive credentials are required")
	}

	service, err := drive.NewService(ctx,
		option.WithCredentialsJSON(cfg.CredentialsJSON),
		option.WithScopes(drive.DriveScope),
	)
	if err != nil {
		return nil, fmt.Errorf("init drive service: %w", err)
	}

	return &Client{
		service: service,
		logger:  cfg.Logger.With().Str("component", "drive_client").Logger(),
	}, nil
}

// Upload streams a file into the given folder and returns its reference.
func (c *Client) Upload(ctx context.Context, folderID, filename, mimeType string, content io.Reader) (FileRef, error) {
	meta := &drive.File{
		Name:     filename,
		MimeType: mimeType,
	}
	if folderID != "" {
		meta.Parents = []string{folderID}
	}

	file, err := c.service.Files.Create(meta).
		Media(content, googleapi.ContentType(mimeType)).
		Fields("id, name, mimeType, size, webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return FileRef{}, fmt.Errorf("drive upload: %w", err)
	}

	c.logger.Debug().Str("file_id", file.Id).Str("filename", filename).Msg("uploaded file to drive")

	return toRef(file), nil
}

// Download opens the raw content of a stored file. The caller closes the body.
func (c *Client) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := c.service.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("drive download: %w", err)
	}
	return resp.Body, nil
}

// Export converts a native Google document to the requested MIME type and
// returns its content. Used when a picked file is a Google Doc rather than a
// binary upload.
func (c *Client) Export(ctx context.Context, fileID, mimeType string) (io.ReadCloser, error) {
	resp, err := c.service.Files.Export(fileID, mimeType).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("drive export: %w", err)
	}
	return resp.Body, nil
}

// Metadata fetches the reference for an existing file.
func (c *Client) Metadata(ctx context.Context, fileID string) (FileRef, error) {
	file, err := c.service.Files.Get(fileID).
		Fields("id, name, mimeType, size, webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return FileRef{}, fmt.Errorf("drive metadata: %w", err)
	}
	return toRef(file), nil
}

// Copy duplicates a picked file into the platform folder so later reads do not
// depend on the owner keeping the original.
func (c *Client) Copy(ctx context.Context, fileID, folderID string) (FileRef, error) {
	meta := &drive.File{}
	if folderID != "" {
		meta.Parents = []string{folderID}
	}

	file, err := c.service.Files.Copy(fileID, meta).
		Fields("id, name, mimeType, size, webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return FileRef{}, fmt.Errorf("drive copy: %w", err)
	}
	return toRef(file), nil
}

// ExtractText converts a stored binary into a transient Google Doc and exports
// it as plain text. Drive performs the format conversion for PDF and Word
// uploads; the transient doc is removed afterwards.
func (c *Client) ExtractText(ctx context.Context, fileID string) (string, error) {
	converted, err := c.service.Files.Copy(fileID, &drive.File{
		MimeType: "application/vnd.google-apps.document",
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive convert: %w", err)
	}
	defer func() {
		if err := c.service.Files.Delete(converted.Id).Context(ctx).Do(); err != nil {
			c.logger.Warn().Err(err).Str("file_id", converted.Id).Msg("failed to remove transient converted doc")
		}
	}()

	body, err := c.Export(ctx, converted.Id, "text/plain")
	if err != nil {
		return "", err
	}
	defer body.Close()

	text, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("drive export read: %w", err)
	}
	return string(text), nil
}

// EnsureFolder returns the id of a child folder with the given name, creating
// it when absent.
func (c *Client) EnsureFolder(ctx context.Context, parentID, name string) (string, error) {
	query := fmt.Sprintf("name = '%s' and mimeType = 'application/vnd.google-apps.folder' and trashed = false", name)
	if parentID != "" {
		query += fmt.Sprintf(" and '%s' in parents", parentID)
	}

	list, err := c.service.Files.List().Q(query).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive folder lookup: %w", err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	meta := &drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.folder",
	}
	if parentID != "" {
		meta.Parents = []string{parentID}
	}

	folder, err := c.service.Files.Create(meta).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive folder create: %w", err)
	}
	return folder.Id, nil
}

// Delete removes a stored file. A file already gone is not an error.
func (c *Client) Delete(ctx context.Context, fileID string) error {
	if err := c.service.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("drive delete: %w", err)
	}
	return nil
}

func toRef(file *drive.File) FileRef {
	return FileRef{
		ID:          file.Id,
		Name:        file.Name,
		MimeType:    file.MimeType,
		Size:        file.Size,
		WebViewLink: file.WebViewLink,
	}
}
