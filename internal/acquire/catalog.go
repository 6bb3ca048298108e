package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/earthscan/tilescan/internal/grid"
)

// CatalogConfig configures the imagery catalog client.
type CatalogConfig struct {
	AuthURL     string `yaml:"auth_url"`
	SearchURL   string `yaml:"search_url"`
	DownloadURL string `yaml:"download_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`

	Collection    string  `yaml:"collection"`      // e.g. "SENTINEL-2"
	StartDate     string  `yaml:"start_date"`      // "2021-01-01"
	EndDate       string  `yaml:"end_date"`        // "2021-12-31"
	MaxCloudCover float64 `yaml:"max_cloud_cover"` // percent
}

// CatalogClient acquires tiles from an OData imagery catalog: it searches
// for the least-cloudy product intersecting the tile's footprint in the
// configured date window and downloads it into the staging directory.
type CatalogClient struct {
	cfg        CatalogConfig
	stagingDir string
	prefix     string
	client     *http.Client
	token      string
	log        *slog.Logger
}

// NewCatalogClient creates a catalog client. Credentials are a
// configuration concern: missing ones abort before any ledger mutation.
func NewCatalogClient(cfg CatalogConfig, stagingDir, prefix string) (*CatalogClient, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("catalog credentials not configured")
	}
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("create staging directory %s: %w", stagingDir, err)
	}

	return &CatalogClient{
		cfg:        cfg,
		stagingDir: stagingDir,
		prefix:     prefix,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		log: slog.With("component", "catalog"),
	}, nil
}

type product struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

type searchResponse struct {
	Value []product `json:"value"`
}

// Acquire finds and downloads the best product for the tile. Products
// arrive as zipped archives and still need band stacking into the
// canonical raster; the caller owns that step. Zero search results
// classify as no-data, leaving the tile eligible for retry once new
// imagery is published.
func (c *CatalogClient) Acquire(ctx context.Context, tile grid.Tile) (*Artifact, error) {
	name := tile.Name(c.prefix)
	destPath := filepath.Join(c.stagingDir, name+".zip")

	if _, err := os.Stat(destPath); err == nil {
		c.log.Debug("product already downloaded", "tile_id", tile.ID, "path", destPath)
		return &Artifact{TileID: tile.ID, Name: name, Path: destPath}, nil
	}

	if c.token == "" {
		if err := c.authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
	}

	products, err := c.search(ctx, tile.BBox)
	if err != nil {
		return nil, fmt.Errorf("search tile %d: %w", tile.ID, err)
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("tile %d (cloud cover > %.0f%% or no coverage): %w",
			tile.ID, c.cfg.MaxCloudCover, ErrNoData)
	}

	best := products[0]
	c.log.Info("downloading product", "tile_id", tile.ID, "product", best.Name)

	if err := c.download(ctx, best.ID, destPath); err != nil {
		return nil, fmt.Errorf("download product %s for tile %d: %w", best.Name, tile.ID, err)
	}

	return &Artifact{TileID: tile.ID, Name: name, Path: destPath}, nil
}

// authenticate obtains an access token via the password grant.
func (c *CatalogClient) authenticate(ctx context.Context) error {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {c.cfg.Username},
		"password":   {c.cfg.Password},
		"client_id":  {"cdse-public"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth endpoint returned %s", resp.Status)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("parse token response: %w", err)
	}
	if body.AccessToken == "" {
		return fmt.Errorf("auth response contained no access token")
	}

	c.token = body.AccessToken
	return nil
}

// search queries the catalog for products intersecting the tile footprint,
// ordered by cloud cover ascending, returning at most one.
func (c *CatalogClient) search(ctx context.Context, b grid.BBox) ([]product, error) {
	footprint := fmt.Sprintf("POLYGON((%g %g,%g %g,%g %g,%g %g,%g %g))",
		b.MinLon, b.MinLat, b.MaxLon, b.MinLat, b.MaxLon, b.MaxLat,
		b.MinLon, b.MaxLat, b.MinLon, b.MinLat)

	collection := c.cfg.Collection
	if collection == "" {
		collection = "SENTINEL-2"
	}

	filter := fmt.Sprintf(
		"Collection/Name eq '%s' and "+
			"Attributes/OData.CSC.DoubleAttribute/any(att:att/Name eq 'cloudCover' and att/OData.CSC.DoubleAttribute/Value le %g) and "+
			"ContentDate/Start gt %sT00:00:00.000Z and ContentDate/Start lt %sT23:59:59.999Z and "+
			"OData.CSC.Intersects(area=geography'SRID=4326;%s')",
		collection, c.cfg.MaxCloudCover, c.cfg.StartDate, c.cfg.EndDate, footprint)

	params := url.Values{
		"$filter":  {filter},
		"$orderby": {"Attributes/OData.CSC.DoubleAttribute/any(att:att/Name eq 'cloudCover' and att/OData.CSC.DoubleAttribute/Value) asc"},
		"$top":     {"1"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.SearchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned %s", resp.Status)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	return body.Value, nil
}

// download streams a product to destPath via a temp file. A partial
// download never becomes visible under the canonical name.
func (c *CatalogClient) download(ctx context.Context, productID, destPath string) error {
	u := fmt.Sprintf("%s(%s)/$value", c.cfg.DownloadURL, productID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download endpoint returned %s", resp.Status)
	}

	tempPath := destPath + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tempPath, err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write %s: %w", tempPath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s: %w", tempPath, err)
	}
	return nil
}

// Close is a no-op; the client holds no persistent connections.
func (c *CatalogClient) Close() error {
	return nil
}
