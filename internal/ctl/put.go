package ctl

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/mediaingest/internal/netx"
	"github.com/dmitrijs2005/mediaingest/internal/server/services"
	"github.com/spf13/cobra"
)

// httpClient is a seam for tests.
var httpClient = http.DefaultClient

func newPutCmd() *cobra.Command {
	var server, token string

	cmd := &cobra.Command{
		Use:   "put <file>...",
		Short: "Upload files to the object store through an upload link",
		Long: "Presigns a single upload for each file, sends the bytes straight to the object store " +
			"and reports the finished object back to the server",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := strings.TrimRight(server, "/") + "/api/upload/" + url.PathEscape(token)
			for _, p := range args {
				res, err := putFile(cmd, base, p)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				if res.Duplicate {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: duplicate of %s (%s)\n", p, res.File.ID, res.File.Location)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: stored as %s (%s)\n", p, res.File.ID, res.File.Location)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "http://localhost:8080", "Ingest server base URL")
	cmd.Flags().StringVarP(&token, "token", "t", "", "Upload link token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func putFile(cmd *cobra.Command, base, p string) (*services.DirectResult, error) {
	ctx := cmd.Context()

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	hash, err := services.HashFile(p)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(p)
	mimeType := mime.TypeByExtension(filepath.Ext(name))

	var single services.SingleUpload
	if _, err := netx.PostJSON(ctx, httpClient, base+"/s3/single", map[string]string{
		"filename": name,
		"mimeType": mimeType,
	}, &single); err != nil {
		return nil, fmt.Errorf("presign: %w", err)
	}
	if single.Request == nil {
		return nil, fmt.Errorf("presign: empty request")
	}

	if err := netx.UploadPresigned(ctx, httpClient, single.Request.Method, single.Request.URL,
		single.Request.Headers, f, info.Size()); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	var res services.DirectResult
	if _, err := netx.PostJSON(ctx, httpClient, base+"/s3/callback", services.CallbackRequest{
		Key:      single.Key,
		Size:     info.Size(),
		Filename: name,
		MimeType: mimeType,
		Hash:     hash,
	}, &res); err != nil {
		return nil, fmt.Errorf("callback: %w", err)
	}
	if res.File == nil {
		return nil, fmt.Errorf("callback: empty reply")
	}
	return &res, nil
}
