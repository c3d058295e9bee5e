package resolver

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"
)

// DispositionHeader carries the Disposition on every preset response.
const DispositionHeader = "X-Disposition"

// maxRedirects bounds how many upstream redirects the stream proxy follows.
const maxRedirects = 5

// ContentItem is the firmware's preset content shape.
type ContentItem struct {
	XMLName      xml.Name `xml:"ContentItem"`
	Source       string   `xml:"source,attr"`
	Type         string   `xml:"type,attr"`
	Location     string   `xml:"location,attr"`
	IsPresetable bool     `xml:"isPresetable,attr"`
	ItemName     string   `xml:"itemName"`
	ContainerArt string   `xml:"containerArt,omitempty"`
}

const (
	contentSource = "LOCAL_INTERNET_RADIO"
	contentType   = "stationurl"
)

// NewContentItem renders res. Failed resolutions give an item with an
// empty location, which the firmware parses and shows as unavailable.
func NewContentItem(res Resolution) ContentItem {
	item := ContentItem{Source: contentSource, Type: contentType, ItemName: res.Name}
	if res.OK() {
		item.Location = res.Location
		item.IsPresetable = true
		item.ContainerArt = res.ArtworkURL
	}
	return item
}

// StationDocument is the station JSON some firmware fetches instead of a
// ContentItem.
type StationDocument struct {
	Audio      StationAudio `json:"audio"`
	ImageURL   string       `json:"imageUrl"`
	Name       string       `json:"name"`
	StreamType string       `json:"streamType"`
}

// StationAudio is the audio block of a StationDocument.
type StationAudio struct {
	HasPlaylist bool   `json:"hasPlaylist"`
	IsRealtime  bool   `json:"isRealtime"`
	StreamURL   string `json:"streamUrl"`
}

// NewStationDocument renders res as station JSON.
func NewStationDocument(res Resolution) StationDocument {
	doc := StationDocument{Name: res.Name, StreamType: "liveRadio", Audio: StationAudio{IsRealtime: true}}
	if res.OK() {
		doc.Audio.StreamURL = res.Location
		doc.ImageURL = res.ArtworkURL
	}
	return doc
}

// Handler serves the device-facing preset endpoints.
type Handler struct {
	resolver *Resolver
	proxy    *httputil.ReverseProxy
	log      *slog.Logger
}

// NewHandler creates the device-facing handler. All proxied streams share
// one pooled transport.
func NewHandler(r *Resolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{resolver: r, log: logger.With("component", "resolver-http")}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	transport.ResponseHeaderTimeout = 10 * time.Second

	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := upstreamFrom(pr.In)
			pr.Out.URL = target
			pr.Out.Host = target.Host
		},
		Transport:     &redirectFollower{next: transport, max: maxRedirects},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			h.log.Warn("stream proxy failed", "path", req.URL.Path, "error", err)
			w.Header().Set(DispositionHeader, string(UpstreamUnreachable))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return h
}

// Register mounts the preset and stream routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /presets/{device}/{slot}", h.handlePreset)
	mux.HandleFunc("GET /presets/{device}/{slot}/station.json", h.handleStation)
	mux.HandleFunc("GET /stream/{device}/{slot}", h.handleStream)
}

func (h *Handler) resolve(r *http.Request) Resolution {
	return h.resolver.Resolve(r.Context(), r.PathValue("device"), ParseSlot(r.PathValue("slot")))
}

func (h *Handler) handlePreset(w http.ResponseWriter, r *http.Request) {
	res := h.resolve(r)
	w.Header().Set(DispositionHeader, string(res.Disposition))

	if res.Disposition == Redirect {
		http.Redirect(w, r, res.Location, http.StatusFound)
		return
	}

	body, err := xml.Marshal(NewContentItem(res))
	if err != nil {
		// not reachable with this type, but the device still needs XML
		body = []byte(`<ContentItem source="` + contentSource + `" location="" isPresetable="false"></ContentItem>`)
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(statusFor(res))
	w.Write([]byte(xml.Header))
	w.Write(body)
}

func (h *Handler) handleStation(w http.ResponseWriter, r *http.Request) {
	res := h.resolve(r)
	w.Header().Set(DispositionHeader, string(res.Disposition))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(res))
	json.NewEncoder(w).Encode(NewStationDocument(res))
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	res := h.resolve(r)
	if !res.OK() {
		w.Header().Set(DispositionHeader, string(res.Disposition))
		w.WriteHeader(statusFor(res))
		return
	}
	upstream, err := url.Parse(res.StreamURL)
	if err != nil {
		w.Header().Set(DispositionHeader, string(UpstreamUnreachable))
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	w.Header().Set(DispositionHeader, string(Serve))
	h.proxy.ServeHTTP(w, r.WithContext(withUpstream(r.Context(), upstream)))
}

func statusFor(res Resolution) int {
	switch res.Disposition {
	case Serve:
		return http.StatusOK
	case Redirect:
		return http.StatusFound
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

// redirectFollower resolves upstream redirect chains so the device only
// ever sees the final response.
type redirectFollower struct {
	next http.RoundTripper
	max  int
}

func (f *redirectFollower) RoundTrip(req *http.Request) (*http.Response, error) {
	for hop := 0; ; hop++ {
		resp, err := f.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		default:
			return resp, nil
		}

		loc, err := resp.Location()
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("redirect without location: %w", err)
		}
		if hop+1 >= f.max {
			return nil, errors.New("too many upstream redirects")
		}

		next := req.Clone(req.Context())
		next.URL = loc
		next.Host = loc.Host
		next.Method = http.MethodGet
		next.Body = nil
		next.ContentLength = 0
		req = next
	}
}

type upstreamKey struct{}

func withUpstream(ctx context.Context, u *url.URL) context.Context {
	return context.WithValue(ctx, upstreamKey{}, u)
}

// upstreamFrom returns a copy of the upstream URL stored by handleStream.
func upstreamFrom(r *http.Request) *url.URL {
	u, _ := r.Context().Value(upstreamKey{}).(*url.URL)
	if u == nil {
		return &url.URL{}
	}
	c := *u
	return &c
}
