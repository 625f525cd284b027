package config

type MapsConfig struct {
	Provider        string            `yaml:"provider"`
	GoogleMaps      *GoogleMapsConfig `yaml:"google_maps"`
	Mapbox          *MapboxConfig     `yaml:"mapbox"`
	AverageSpeedKMH float64           `yaml:"average_speed_kmh"`
}

type GoogleMapsConfig struct {
	APIKey string `yaml:"api_key"`
}

type MapboxConfig struct {
	AccessToken string `yaml:"access_token"`
}

func loadMapsConfig() *MapsConfig {
	return &MapsConfig{
		Provider: getEnv("MAPS_PROVIDER", "google"),
		GoogleMaps: &GoogleMapsConfig{
			APIKey: getEnv("GOOGLE_MAPS_API_KEY", ""),
		},
		Mapbox: &MapboxConfig{
			AccessToken: getEnv("MAPBOX_ACCESS_TOKEN", ""),
		},
		AverageSpeedKMH: getEnvAsFloat64("MAPS_AVERAGE_SPEED_KMH", 40),
	}
}
