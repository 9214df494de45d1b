package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/birchkv/birch/rpc/client"
	"github.com/birchkv/birch/rpc/common"
	"github.com/birchkv/birch/rpc/transport"
)

func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{}
}

type httpClientTransport struct {
	serverURLs []*url.URL
	client     *http.Client
	counter    uint32
	retryCount int
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (transport *httpClientTransport) Connect(config common.ClientConfig) error {
	parsedURLs := make([]*url.URL, len(config.Endpoints))
	for i, server := range config.Endpoints {
		parsedURL, err := url.Parse(server)
		if err != nil {
			return err
		}
		parsedURLs[i] = parsedURL
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     time.Duration(config.TimeoutSecond) * time.Second,
		},
	}

	transport.client = client
	transport.serverURLs = parsedURLs
	transport.counter = 0
	transport.retryCount = config.RetryCount

	return nil
}

func (transport *httpClientTransport) Send(req []byte) (resp []byte, err error) {
	if transport.client == nil {
		return nil, fmt.Errorf("http transport not initialized")
	}

	idx := atomic.AddUint32(&transport.counter, 1) % uint32(len(transport.serverURLs))
	serverURL := transport.serverURLs[idx]

	httpRequest, err := http.NewRequest(http.MethodPost, serverURL.String(), bytes.NewReader(req))
	if err != nil {
		return nil, err
	}

	var httpResponse *http.Response
	defer func() {
		if httpResponse != nil {
			if err := httpResponse.Body.Close(); err != nil {
				client.Logger.Errorf("Failed to close response body: %v", err)
			}
		}
	}()
	for i := 0; i < transport.retryCount; i++ {
		httpResponse, err = transport.client.Do(httpRequest)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	if httpResponse.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", httpResponse.Status)
	}

	return io.ReadAll(httpResponse.Body)
}

func (transport *httpClientTransport) Close() error {
	if transport.client != nil {
		transport.client.CloseIdleConnections()
	}

	transport.client = nil
	transport.serverURLs = nil

	return nil
}
