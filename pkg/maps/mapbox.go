package maps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type MapboxProvider struct {
	accessToken string
	httpClient  *http.Client
	baseURL     string
}

func NewMapboxProvider(accessToken string) *MapboxProvider {
	return &MapboxProvider{
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     "https://api.mapbox.com",
	}
}

type mapboxMatrixResponse struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Distances [][]*float64 `json:"distances"`
	Durations [][]*float64 `json:"durations"`
}

// CalculateDistance calls the Matrix API with every origin as a source and
// every destination as a target. Unroutable pairs come back as null and are
// reported with status ZERO_RESULTS.
func (m *MapboxProvider) CalculateDistance(ctx context.Context, request *DistanceRequest) (*DistanceResponse, error) {
	if len(request.Origins) == 0 || len(request.Destinations) == 0 {
		return &DistanceResponse{}, nil
	}

	coords := make([]string, 0, len(request.Origins)+len(request.Destinations))
	sources := make([]string, 0, len(request.Origins))
	targets := make([]string, 0, len(request.Destinations))
	for _, loc := range request.Origins {
		sources = append(sources, fmt.Sprint(len(coords)))
		coords = append(coords, fmt.Sprintf("%f,%f", loc.Longitude, loc.Latitude))
	}
	for _, loc := range request.Destinations {
		targets = append(targets, fmt.Sprint(len(coords)))
		coords = append(coords, fmt.Sprintf("%f,%f", loc.Longitude, loc.Latitude))
	}

	query := url.Values{}
	query.Set("annotations", "distance,duration")
	query.Set("sources", strings.Join(sources, ";"))
	query.Set("destinations", strings.Join(targets, ";"))
	query.Set("access_token", m.accessToken)
	apiURL := fmt.Sprintf("%s/directions-matrix/v1/mapbox/%s/%s?%s",
		m.baseURL, mapboxProfile(request.Mode), strings.Join(coords, ";"), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var matrix mapboxMatrixResponse
	if err := json.Unmarshal(body, &matrix); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || matrix.Code != "Ok" {
		return nil, fmt.Errorf("mapbox matrix error (%d %s): %s", resp.StatusCode, matrix.Code, matrix.Message)
	}

	rows := make([]DistanceRow, len(request.Origins))
	for i := range rows {
		rows[i].Elements = make([]DistanceElement, len(request.Destinations))
		for j := range rows[i].Elements {
			meters := cell(matrix.Distances, i, j)
			seconds := cell(matrix.Durations, i, j)
			if meters == nil || seconds == nil {
				rows[i].Elements[j] = DistanceElement{Status: "ZERO_RESULTS"}
				continue
			}
			rows[i].Elements[j] = DistanceElement{
				Distance: Distance{Text: fmt.Sprintf("%.1f km", *meters/1000), Value: *meters},
				Duration: Duration{Text: fmt.Sprintf("%d mins", int(*seconds/60)), Value: int(*seconds)},
				Status:   "OK",
			}
		}
	}

	return &DistanceResponse{Rows: rows}, nil
}

func cell(matrix [][]*float64, i, j int) *float64 {
	if i >= len(matrix) || j >= len(matrix[i]) {
		return nil
	}
	return matrix[i][j]
}

func mapboxProfile(mode string) string {
	switch mode {
	case "walking":
		return "walking"
	case "bicycling":
		return "cycling"
	default:
		return "driving"
	}
}
