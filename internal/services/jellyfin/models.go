package jellyfin

import "time"

// SystemInfo is the response of GET /System/Info/Public.
type SystemInfo struct {
	ID                     string `json:"Id"`
	ServerName             string `json:"ServerName"`
	Version                string `json:"Version"`
	ProductName            string `json:"ProductName"`
	LocalAddress           string `json:"LocalAddress"`
	StartupWizardCompleted bool   `json:"StartupWizardCompleted"`
}

// AuthResponse is the response of POST /Users/AuthenticateByName.
type AuthResponse struct {
	User        User   `json:"User"`
	AccessToken string `json:"AccessToken"`
	ServerID    string `json:"ServerId"`
}

type User struct {
	ID               string     `json:"Id"`
	Name             string     `json:"Name"`
	ServerID         string     `json:"ServerId"`
	HasPassword      bool       `json:"HasPassword"`
	LastLoginDate    *time.Time `json:"LastLoginDate,omitempty"`
	LastActivityDate *time.Time `json:"LastActivityDate,omitempty"`
	Policy           UserPolicy `json:"Policy"`
}

type UserPolicy struct {
	IsAdministrator          bool `json:"IsAdministrator"`
	IsDisabled               bool `json:"IsDisabled"`
	EnableMediaPlayback      bool `json:"EnableMediaPlayback"`
	EnableContentDownloading bool `json:"EnableContentDownloading"`
}

// Item is a media item or library view.
type Item struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	Overview          string            `json:"Overview,omitempty"`
	Type              string            `json:"Type"`
	CollectionType    string            `json:"CollectionType,omitempty"`
	ParentID          string            `json:"ParentId,omitempty"`
	SeriesName        string            `json:"SeriesName,omitempty"`
	ProductionYear    int               `json:"ProductionYear,omitempty"`
	RunTimeTicks      int64             `json:"RunTimeTicks,omitempty"`
	Genres            []string          `json:"Genres,omitempty"`
	ImageTags         map[string]string `json:"ImageTags,omitempty"`
	BackdropImageTags []string          `json:"BackdropImageTags,omitempty"`
	Container         string            `json:"Container,omitempty"`
	UserData          *UserData         `json:"UserData,omitempty"`
}

// UserData carries per-user playback progress for an item.
type UserData struct {
	PlaybackPositionTicks int64   `json:"PlaybackPositionTicks"`
	PlayedPercentage      float64 `json:"PlayedPercentage,omitempty"`
	PlayCount             int     `json:"PlayCount"`
	IsFavorite            bool    `json:"IsFavorite"`
	Played                bool    `json:"Played"`
}

// ItemsPage is a decoded collection response.
type ItemsPage struct {
	Items            []Item `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
	StartIndex       int    `json:"StartIndex"`
}
