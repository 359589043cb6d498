package evolution

type createSessionRequest struct {
	InstanceName string         `json:"instanceName"`
	UserID       string         `json:"userId"`
	QRCode       bool           `json:"qrcode"`
	Integration  string         `json:"integration"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type instanceInfo struct {
	InstanceName string `json:"instanceName"`
	InstanceID   string `json:"instanceId"`
	Status       string `json:"status"`
	State        string `json:"state"`
	Owner        string `json:"owner"`
}

type qrPayload struct {
	Code      string `json:"code"`
	Base64    string `json:"base64"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

type createSessionResponse struct {
	Instance instanceInfo `json:"instance"`
	QRCode   qrPayload    `json:"qrcode"`
	Hash     any          `json:"hash,omitempty"`
}

type qrResponse struct {
	QRCode *qrPayload `json:"qrcode"`
	qrPayload
}

type statusResponse struct {
	Instance instanceInfo `json:"instance"`
}

type webhookRequest struct {
	SessionID string   `json:"instanceName"`
	URL       string   `json:"url"`
	Enabled   bool     `json:"enabled"`
	Base64    bool     `json:"webhookBase64"`
	Events    []string `json:"events"`
}

type mediaBody struct {
	MediaType     string `json:"mediatype"`
	MimeType      string `json:"mimetype,omitempty"`
	Media         string `json:"media"`
	FileName      string `json:"fileName,omitempty"`
	Caption       string `json:"caption,omitempty"`
	JPEGThumbnail string `json:"jpegThumbnail,omitempty"`
}

type sendRequest struct {
	InstanceName string `json:"instanceName"`
	Number       string `json:"number"`
	TextMessage  *struct {
		Text string `json:"text"`
	} `json:"textMessage,omitempty"`
	MediaMessage *mediaBody `json:"mediaMessage,omitempty"`
}

type sendResponse struct {
	Key struct {
		ID        string `json:"id"`
		RemoteJid string `json:"remoteJid"`
	} `json:"key"`
	Status string `json:"status"`
}

type uploadRequest struct {
	InstanceName string `json:"instanceName"`
	Media        string `json:"media"`
	MimeType     string `json:"mimetype"`
	FileName     string `json:"fileName,omitempty"`
}

type uploadResponse struct {
	URL   string `json:"url"`
	ID    string `json:"id"`
	Media *struct {
		URL string `json:"url"`
		ID  string `json:"id"`
	} `json:"media"`
}
