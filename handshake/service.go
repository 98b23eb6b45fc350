package handshake

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"smartconnect/structs"
)

// Handshaker is the wire call the service drives
type Handshaker interface {
	Handshake(ctx context.Context, in HandshakeRequest) (*HandshakeResponse, error)
}

// DirectiveSink receives the message and update directive, usually the UI
type DirectiveSink interface {
	ShowMessage(message string)
	PromptUpdate(force bool)
}

// ConfigImporter takes bundled configs and refreshes the server list afterwards
type ConfigImporter interface {
	ImportConfigs(blobs []structs.ConfigBlob) (int, error)
	RefreshServerList() error
}

// Service runs the startup handshake once per process and dispatches its directives.
// Failures are logged and never reach the connect flow.
type Service struct {
	client   Handshaker
	sink     DirectiveSink
	importer ConfigImporter

	once sync.Once
	done chan struct{}
	resp *HandshakeResponse
	err  error
}

// NewService creates the service. sink and importer may be nil.
func NewService(client Handshaker, sink DirectiveSink, importer ConfigImporter) *Service {
	return &Service{
		client:   client,
		sink:     sink,
		importer: importer,
		done:     make(chan struct{}),
	}
}

// Start launches the handshake on its own goroutine the first time it is called and
// returns a channel closed when it has finished. Later calls only return the channel.
func (s *Service) Start(clientVersion string) <-chan struct{} {
	s.once.Do(func() {
		go func() {
			defer close(s.done)
			// not cancellable: the failover call runs to completion or failure
			resp, err := s.Run(context.Background(), clientVersion)
			s.resp, s.err = resp, err
		}()
	})
	return s.done
}

// Result returns the outcome of Start. It must only be read after the channel closed.
func (s *Service) Result() (*HandshakeResponse, error) {
	return s.resp, s.err
}

// Run performs one handshake synchronously and dispatches the response
func (s *Service) Run(ctx context.Context, clientVersion string) (*HandshakeResponse, error) {
	resp, err := s.client.Handshake(ctx, HandshakeRequest{ClientVersion: clientVersion})
	if err != nil {
		log.Errorf("[Handshake] failed: %v", err)
		return nil, err
	}

	if s.sink != nil {
		if msg := resp.MessageText(); msg != "" {
			s.sink.ShowMessage(msg)
		}
		if resp.UpdateNeeded {
			s.sink.PromptUpdate(resp.ForceUpdate)
		}
	}

	if len(resp.Configs) > 0 {
		if err := s.importConfigs(resp.Configs); err != nil {
			// the directive itself was delivered; import problems are only logged
			log.Errorf("[Handshake] config import failed: %v", err)
		}
	}
	return resp, nil
}

func (s *Service) importConfigs(blobs []structs.ConfigBlob) error {
	if s.importer == nil {
		log.Warnf("[Handshake] %d bundled configs received but no importer is wired", len(blobs))
		return nil
	}
	n, err := s.importer.ImportConfigs(blobs)
	if err != nil {
		return fmt.Errorf("failed to import %d configs: %w", len(blobs), err)
	}
	log.Infof("[Handshake] imported %d of %d bundled configs", n, len(blobs))
	if err := s.importer.RefreshServerList(); err != nil {
		return fmt.Errorf("failed to refresh server list: %w", err)
	}
	return nil
}
