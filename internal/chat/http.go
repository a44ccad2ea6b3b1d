// Copyright (C) 2023 olix3001

package chat

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// HTTPClientSettings tunes the http transport shared by the remote channel
// backends. Each backend picks its own values.
type HTTPClientSettings struct {
	Connect          time.Duration
	ConnKeepAlive    time.Duration
	ExpectContinue   time.Duration
	IdleConn         time.Duration
	MaxAllIdleConns  int
	MaxHostIdleConns int
	ResponseHeader   time.Duration
	TLSHandshake     time.Duration
}

// NewHTTPClientWithSettings returns http client with configured parameters
// and added http2 support.
func NewHTTPClientWithSettings(s HTTPClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: s.ResponseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: s.ConnKeepAlive,
			Timeout:   s.Connect,
		}).DialContext,
		MaxIdleConns:          s.MaxAllIdleConns,
		IdleConnTimeout:       s.IdleConn,
		TLSHandshakeTimeout:   s.TLSHandshake,
		MaxIdleConnsPerHost:   s.MaxHostIdleConns,
		ExpectContinueTimeout: s.ExpectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}
