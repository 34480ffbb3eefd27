package session

import (
	"github.com/mssola/useragent"

	"github.com/theapp/server/storage"
)

// ParseUserAgent extracts browser, OS and device data from a User-Agent
// header. An empty header yields nil.
func ParseUserAgent(header string) *storage.ClientContext {
	if header == "" {
		return nil
	}
	ua := useragent.New(header)
	browser, version := ua.Browser()
	osInfo := ua.OSInfo()

	deviceType := "desktop"
	switch {
	case ua.Bot():
		deviceType = "bot"
	case ua.Mobile():
		deviceType = "mobile"
	}

	return &storage.ClientContext{
		UA:      header,
		Browser: storage.NameVersion{Name: browser, Version: version},
		OS:      storage.NameVersion{Name: osInfo.Name, Version: osInfo.Version},
		Device:  storage.Device{Type: deviceType, Model: ua.Platform()},
		Bot:     ua.Bot(),
	}
}
