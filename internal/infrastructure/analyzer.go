package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cortexdl/cortexdl/internal/domain"
	"go.uber.org/zap"
)

var (
	m3u8URLRe       = regexp.MustCompile(`\.m3u8(\?|#|$)`)
	hlsBandwidthRe  = regexp.MustCompile(`BANDWIDTH=(\d+)`)
	hlsResolutionRe = regexp.MustCompile(`RESOLUTION=(\d+)x(\d+)`)
)

// Analyzer classifies a URL before a task is created: HLS manifests are
// fetched and inspected directly, anything else is probed through the
// extraction tool's metadata dump.
type Analyzer struct {
	client *http.Client
	runner *ProcessRunner
	binary string
	logger *zap.Logger
}

// NewAnalyzer creates a URL analyzer. binary names the extraction tool
// used for non-HLS probing.
func NewAnalyzer(runner *ProcessRunner, binary string, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		client: &http.Client{},
		runner: runner,
		binary: binary,
		logger: logger,
	}
}

// Analyze inspects a URL and reports what kind of media it points at
func (a *Analyzer) Analyze(ctx context.Context, rawURL string) (*domain.AnalyzeResult, error) {
	if m3u8URLRe.MatchString(strings.ToLower(rawURL)) {
		result, err := a.analyzeHLS(ctx, rawURL)
		if err == nil {
			return result, nil
		}
		a.logger.Warn("HLS manifest probe failed, falling back to extraction tool",
			zap.String("url", rawURL),
			zap.Error(err))
	}
	return a.analyzeWithYtdlp(ctx, rawURL)
}

func (a *Analyzer) analyzeHLS(ctx context.Context, rawURL string) (*domain.AnalyzeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, err
	}

	manifest := string(body)
	if !strings.Contains(manifest, "#EXTM3U") {
		return nil, fmt.Errorf("not an HLS manifest")
	}

	variants := parseHLSVariants(manifest, rawURL)
	if len(variants) == 0 {
		return &domain.AnalyzeResult{Kind: domain.AnalyzeHLSMedia, URL: rawURL}, nil
	}

	return &domain.AnalyzeResult{
		Kind:     domain.AnalyzeHLSMaster,
		URL:      rawURL,
		Variants: variants,
	}, nil
}

// parseHLSVariants reads #EXT-X-STREAM-INF entries from a master manifest.
// Variant URIs are resolved against the manifest URL; results are sorted by
// bandwidth, highest first.
func parseHLSVariants(manifest, manifestURL string) []domain.HLSVariant {
	base, _ := url.Parse(manifestURL)
	lines := strings.Split(manifest, "\n")

	var variants []domain.HLSVariant
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			continue
		}

		variant := domain.HLSVariant{}
		if m := hlsBandwidthRe.FindStringSubmatch(line); m != nil {
			if bw, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				variant.Bandwidth = &bw
			}
		}
		if m := hlsResolutionRe.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			variant.Resolution = &domain.Resolution{Width: w, Height: h}
		}

		// The next non-comment line carries the variant URI
		for j := i + 1; j < len(lines); j++ {
			uri := strings.TrimSpace(lines[j])
			if uri == "" || strings.HasPrefix(uri, "#") {
				continue
			}
			variant.URL = resolveManifestURI(base, uri)
			i = j
			break
		}

		if variant.URL != "" {
			variants = append(variants, variant)
		}
	}

	sort.SliceStable(variants, func(i, j int) bool {
		bi, bj := int64(0), int64(0)
		if variants[i].Bandwidth != nil {
			bi = *variants[i].Bandwidth
		}
		if variants[j].Bandwidth != nil {
			bj = *variants[j].Bandwidth
		}
		return bi > bj
	})

	return variants
}

func resolveManifestURI(base *url.URL, uri string) string {
	ref, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

type ytdlpDumpFormat struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Resolution     string  `json:"resolution"`
	Filesize       *int64  `json:"filesize"`
	FilesizeApprox *int64  `json:"filesize_approx"`
	Height         int     `json:"height"`
	TBR            float64 `json:"tbr"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	Protocol       string  `json:"protocol"`
	FormatNote     string  `json:"format_note"`
}

type ytdlpDumpEntry struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail"`
}

type ytdlpDump struct {
	Type      string            `json:"_type"`
	Title     string            `json:"title"`
	Thumbnail string            `json:"thumbnail"`
	Formats   []ytdlpDumpFormat `json:"formats"`
	Entries   []ytdlpDumpEntry  `json:"entries"`
}

func (a *Analyzer) analyzeWithYtdlp(ctx context.Context, rawURL string) (*domain.AnalyzeResult, error) {
	args := []string{
		"--dump-json",
		"--no-playlist",
		"--flat-playlist",
		"--no-check-certificate",
		"--geo-bypass",
		"--force-ipv4",
		"--no-warnings",
		"--ignore-errors",
		rawURL,
	}

	proc, err := a.runner.Start(a.binary, args...)
	if err != nil {
		return nil, err
	}

	var payload strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range proc.Lines() {
			payload.WriteString(line)
			payload.WriteString("\n")
		}
	}()

	select {
	case <-ctx.Done():
		proc.Kill()
		<-done
		proc.Wait()
		return nil, ctx.Err()
	case <-done:
	}

	if err := proc.Wait(); err != nil && payload.Len() == 0 {
		a.logger.Warn("Metadata probe failed",
			zap.String("url", rawURL),
			zap.String("stderr", tailString(proc.Stderr(), 300)))
		// The URL may still be a plain fetchable resource
		return &domain.AnalyzeResult{Kind: domain.AnalyzeDirect, URL: rawURL}, nil
	}

	var dump ytdlpDump
	if err := json.Unmarshal([]byte(firstJSONLine(payload.String())), &dump); err != nil {
		return &domain.AnalyzeResult{Kind: domain.AnalyzeDirect, URL: rawURL}, nil
	}

	if dump.Type == "playlist" {
		items := make([]domain.PlaylistItem, 0, len(dump.Entries))
		for _, e := range dump.Entries {
			items = append(items, domain.PlaylistItem{
				ID:        e.ID,
				Title:     e.Title,
				URL:       e.URL,
				Thumbnail: e.Thumbnail,
			})
		}
		return &domain.AnalyzeResult{
			Kind:  domain.AnalyzePlaylist,
			URL:   rawURL,
			Title: dump.Title,
			Items: items,
		}, nil
	}

	return &domain.AnalyzeResult{
		Kind:      domain.AnalyzeYtdlp,
		URL:       rawURL,
		Title:     dump.Title,
		Thumbnail: dump.Thumbnail,
		Formats:   selectFormats(dump.Formats),
	}, nil
}

// selectFormats filters the raw format list down to entries a user could
// pick: streams carrying at least one of video or audio, excluding the
// native HLS protocol the downloader cannot merge reliably.
func selectFormats(raw []ytdlpDumpFormat) []domain.ExtractFormat {
	var formats []domain.ExtractFormat
	for _, f := range raw {
		if (f.VCodec == "none" || f.VCodec == "") && (f.ACodec == "none" || f.ACodec == "") {
			continue
		}
		if f.Protocol == "m3u8_native" {
			continue
		}

		size := f.Filesize
		if size == nil {
			size = f.FilesizeApprox
		}
		desc := f.FormatNote
		if desc == "" {
			desc = f.Resolution
		}

		formats = append(formats, domain.ExtractFormat{
			FormatID:    f.FormatID,
			Ext:         f.Ext,
			Resolution:  f.Resolution,
			Filesize:    size,
			Description: desc,
			Height:      f.Height,
			TBR:         f.TBR,
		})
	}

	sort.SliceStable(formats, func(i, j int) bool {
		if formats[i].Height != formats[j].Height {
			return formats[i].Height > formats[j].Height
		}
		return formats[i].TBR > formats[j].TBR
	})

	return formats
}

func firstJSONLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "{") {
			return line
		}
	}
	return s
}
