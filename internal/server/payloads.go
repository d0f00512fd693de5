package server

import (
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/circles"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
)

type circlePayload struct {
	CircleID        string `json:"circleId"`
	Name            string `json:"name"`
	Code            string `json:"code"`
	CodeUpdatedAtMs int64  `json:"codeUpdateMs"`
	Active          bool   `json:"active"`
	OwnerID         string `json:"ownerId"`
	MemberCount     *int   `json:"memberCount,omitempty"`
}

type updateCirclePayload struct {
	CircleID string `json:"circleId"`
	Name     string `json:"name"`
	Code     string `json:"code"`
	Active   *bool  `json:"active" binding:"required"`
}

type deviceInfoPayload struct {
	DeviceInfoID string  `json:"deviceInfoId,omitempty"`
	Latitude     float64 `json:"lat"`
	Longitude    float64 `json:"lon"`
	Altitude     float64 `json:"altitude"`
	Accuracy     float64 `json:"accuracy"`
	Speed        float64 `json:"speed"`
	Bearing      float64 `json:"bearing"`
	Provider     string  `json:"provider"`
	Battery      int     `json:"battery"`
	TimestampMs  int64   `json:"timestamp"`
}

type favoritePlacePayload struct {
	FavoritePlaceID string  `json:"favoritePlaceId,omitempty"`
	TagName         string  `json:"tagName"`
	Latitude        float64 `json:"lat"`
	Longitude       float64 `json:"lon"`
	TimestampMs     int64   `json:"timestamp"`
	Active          *bool   `json:"active,omitempty"`
}

type memberPayload struct {
	ClientID     string             `json:"clientId"`
	Identity     string             `json:"identity"`
	Role         string             `json:"role"`
	IsInCircle   bool               `json:"isInCircle"`
	JoinedAtMs   int64              `json:"joinMs"`
	LastLocation *deviceInfoPayload `json:"lastLocation,omitempty"`
}

type clientPayload struct {
	ClientID         string             `json:"clientId"`
	Identity         string             `json:"identity"`
	Roles            []string           `json:"roles"`
	Enabled          bool               `json:"enabled"`
	HasPushToken     bool               `json:"hasPushToken"`
	LatestDeviceInfo *deviceInfoPayload `json:"latestDeviceInfo,omitempty"`
}

type pushTokenPayload struct {
	PushToken string `json:"pushToken"`
}

type sendMessagePayload struct {
	ToCircleID  string             `json:"toCircleId"`
	ToClientID  string             `json:"toClientId"`
	MessageType string             `json:"messageType"`
	Scope       string             `json:"scope"`
	Message     string             `json:"message"`
	DeviceInfo  *deviceInfoPayload `json:"deviceInfo"`
}

type sendMessageResponse struct {
	MessageID  string `json:"messageId"`
	Recipients int    `json:"recipients"`
	Reserved   bool   `json:"reserved"`
}

func newCirclePayload(circle circles.Circle) circlePayload {
	return circlePayload{
		CircleID:        circle.ID,
		Name:            circle.Name,
		Code:            circle.Code,
		CodeUpdatedAtMs: circle.CodeUpdatedAtMs,
		Active:          circle.Active,
		OwnerID:         circle.OwnerID,
	}
}

func newDeviceInfoPayload(info clients.DeviceInfo) deviceInfoPayload {
	return deviceInfoPayload{
		DeviceInfoID: info.ID,
		Latitude:     info.Latitude,
		Longitude:    info.Longitude,
		Altitude:     info.Altitude,
		Accuracy:     info.Accuracy,
		Speed:        info.Speed,
		Bearing:      info.Bearing,
		Provider:     info.Provider,
		Battery:      info.Battery,
		TimestampMs:  info.TimestampMs,
	}
}

func newFavoritePlacePayload(place clients.FavoritePlace) favoritePlacePayload {
	active := place.Active
	return favoritePlacePayload{
		FavoritePlaceID: place.ID,
		TagName:         place.TagName,
		Latitude:        place.Latitude,
		Longitude:       place.Longitude,
		TimestampMs:     place.TimestampMs,
		Active:          &active,
	}
}

func (p *deviceInfoPayload) toDeviceInfo() clients.DeviceInfo {
	if p == nil {
		return clients.DeviceInfo{}
	}
	return clients.DeviceInfo{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Altitude:  p.Altitude,
		Accuracy:  p.Accuracy,
		Speed:     p.Speed,
		Bearing:   p.Bearing,
		Provider:  p.Provider,
		Battery:   p.Battery,
	}
}

func newMemberPayload(member circles.Member) memberPayload {
	payload := memberPayload{
		ClientID:   member.Client.ID,
		Identity:   member.Client.Identity,
		Role:       string(member.Role),
		IsInCircle: member.IsInCircle,
		JoinedAtMs: member.JoinedAtMs,
	}
	if member.LastLocation != nil {
		location := newDeviceInfoPayload(*member.LastLocation)
		payload.LastLocation = &location
	}
	return payload
}
