package collection

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const azpDefaultBaseURL = "https://www.amazon.com/drive/v1"

// amazonClient talks to the cloud drive REST API using the account's
// browser session cookies.
type amazonClient struct {
	baseURL    string
	userAgent  string
	cookies    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

func newAmazonClient(userAgent string, cookies map[string]string, logger *slog.Logger) *amazonClient {
	return &amazonClient{
		baseURL:    azpDefaultBaseURL,
		userAgent:  userAgent,
		cookies:    cookies,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger,
	}
}

func (c *amazonClient) get(rawURL string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for name, value := range c.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("drive returned %s: %s", resp.Status, body)
	}
	return resp, nil
}

// searchResponse is the slice of the listing document the scan needs.
type searchResponse struct {
	Data []struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		ModifiedDate      string `json:"modifiedDate"`
		ContentProperties struct {
			ContentDate string `json:"contentDate"`
			Image       struct {
				Width  int `json:"width"`
				Height int `json:"height"`
			} `json:"image"`
		} `json:"contentProperties"`
	} `json:"data"`
}

func (c *amazonClient) ListPhotos(offset, limit int) ([]azpNode, error) {
	query := url.Values{
		"asset":           {"ALL"},
		"filters":         {"type:(PHOTOS)"},
		"limit":           {strconv.Itoa(limit)},
		"offset":          {strconv.Itoa(offset)},
		"resourceVersion": {"V2"},
	}
	resp, err := c.get(c.baseURL + "/search?" + query.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	nodes := make([]azpNode, 0, len(doc.Data))
	for _, item := range doc.Data {
		node := azpNode{
			ID:     item.ID,
			Name:   item.Name,
			Width:  item.ContentProperties.Image.Width,
			Height: item.ContentProperties.Image.Height,
		}
		if t, err := time.Parse(time.RFC3339, item.ModifiedDate); err == nil {
			node.ModifiedDate = t
		}
		if t, err := time.Parse(time.RFC3339, item.ContentProperties.ContentDate); err == nil {
			node.ContentDate = &t
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Download fetches a node's content into targetPath. The write goes
// through a temp file so a partial download never looks like a cached
// photo.
func (c *amazonClient) Download(nodeID, targetPath string) error {
	resp, err := c.get(c.baseURL + "/nodes/" + url.PathEscape(nodeID) +
		"/contentRedirection?querySuffix=" + url.QueryEscape("?download=true"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("download node %s: %w", nodeID, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), targetPath)
}
