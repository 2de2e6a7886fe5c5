package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"listingwatcher/internal/model"
)

// Push failures split into two classes the dispatcher treats differently:
// transient ones are retried a bounded number of times, permanent ones
// deactivate the offending device token instead.
var (
	ErrPushTransient = errors.New("transient push provider error")
	ErrPushPermanent = errors.New("permanent push provider error")
)

// fcmPermanentErrors are provider result codes that mean the token will never
// work again.
var fcmPermanentErrors = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MismatchSenderId":    true,
}

type PushPayload struct {
	Title          string
	Body           string
	ListingID      string
	NotificationID string
}

type fcmSendRequest struct {
	To           string          `json:"to"`
	Notification fcmNotification `json:"notification"`
	Data         fcmData         `json:"data"`
}

type fcmNotification struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	ClickAction string `json:"click_action,omitempty"`
	Sound       string `json:"sound"`
}

type fcmData struct {
	ListingID      string `json:"listing_id"`
	NotificationID string `json:"notification_id"`
}

type fcmSendResponse struct {
	Success int             `json:"success"`
	Failure int             `json:"failure"`
	Results []fcmSendResult `json:"results"`
}

type fcmSendResult struct {
	Error *string `json:"error"`
}

// PushSend delivers one notification to one device token and classifies the
// outcome against ErrPushTransient/ErrPushPermanent.
func (c Client) PushSend(ctx context.Context, token string, platform model.DevicePlatform, p PushPayload) error {
	fcmReq := fcmSendRequest{
		To: token,
		Notification: fcmNotification{
			Title: p.Title,
			Body:  p.Body,
			Sound: "default",
		},
		Data: fcmData{
			ListingID:      p.ListingID,
			NotificationID: p.NotificationID,
		},
	}
	if platform == model.PlatformAndroid {
		fcmReq.Notification.ClickAction = "FLUTTER_NOTIFICATION_CLICK"
	}

	reqBody, err := json.Marshal(fcmReq)
	if err != nil {
		return errors.Wrapf(err, "PushSend: error marshalling request: %+v", fcmReq)
	}
	req, err := newRequest(http.MethodPost, "https://fcm.googleapis.com/fcm/send", bytes.NewReader(reqBody))
	if err != nil {
		return errors.Wrapf(err, "PushSend: error creating HTTP request from body: %s", reqBody)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.FCMKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return errors.Wrapf(ErrPushTransient, "PushSend: error doing request, err: %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.Logger.Errorf("PushSend: error closing response body, err: %v", err)
		}
	}()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return errors.Wrapf(ErrPushTransient, "PushSend: provider status: %s", resp.Status)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return errors.Wrapf(ErrPushPermanent, "PushSend: provider rejected server key, status: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrPushPermanent, "PushSend: unexpected provider status: %s", resp.Status)
	}

	respBody, err := io.ReadAll(http.MaxBytesReader(nil, resp.Body, 300000))
	if err != nil {
		return errors.Wrapf(ErrPushTransient, "PushSend: error reading provider response body, err: %v", err)
	}
	fcmResp := fcmSendResponse{}
	if err = json.Unmarshal(respBody, &fcmResp); err != nil {
		return errors.Wrapf(ErrPushTransient,
			"PushSend: error unmarshalling provider response body: %s, err: %v", respBody, err)
	}

	if fcmResp.Failure == 0 {
		return nil
	}
	for _, r := range fcmResp.Results {
		if r.Error == nil {
			continue
		}
		if fcmPermanentErrors[*r.Error] {
			return errors.Wrapf(ErrPushPermanent, "PushSend: provider result: %s", *r.Error)
		}
		return errors.Wrapf(ErrPushTransient, "PushSend: provider result: %s", *r.Error)
	}
	return errors.Wrap(ErrPushTransient, "PushSend: provider reported failure without result detail")
}
