// Package secrets resolves credential references found in stack outputs.
package secrets

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/davidthor/mdctl/pkg/awsclient"
)

// ErrNotFound is returned by providers for unknown secrets.
var ErrNotFound = stderrors.New("secret not found")

// OutputSuffix marks stack outputs holding a secret reference.
const OutputSuffix = "SecretArn"

// Provider reads secret values.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// Manager resolves secrets through its providers in priority order and
// caches the values for its lifetime.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	priority  []string
	cache     map[string]string
}

// NewManager creates a manager with no providers.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		priority:  []string{},
		cache:     make(map[string]string),
	}
}

// RegisterProvider adds a provider at the lowest priority.
func (m *Manager) RegisterProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[p.Name()]; !ok {
		m.priority = append(m.priority, p.Name())
	}
	m.providers[p.Name()] = p
}

// Get returns the first value any provider has for key.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	if v, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return v, nil
	}
	priority := append([]string(nil), m.priority...)
	m.mu.RUnlock()

	for _, name := range priority {
		m.mu.RLock()
		p := m.providers[name]
		m.mu.RUnlock()

		v, err := p.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, ErrNotFound) {
				continue
			}
			return "", fmt.Errorf("provider %s: %w", name, err)
		}

		m.mu.Lock()
		m.cache[key] = v
		m.mu.Unlock()
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// ResolveOutputs returns a copy of outputs where every "<Name>SecretArn"
// output gains a "<Name>Secret" entry holding the resolved value.
func (m *Manager) ResolveOutputs(ctx context.Context, outputs map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(outputs))
	keys := make([]string, 0, len(outputs))
	for k, v := range outputs {
		out[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !strings.HasSuffix(k, OutputSuffix) || outputs[k] == "" {
			continue
		}
		v, err := m.Get(ctx, outputs[k])
		if err != nil {
			return nil, fmt.Errorf("failed to resolve output %s: %w", k, err)
		}
		out[strings.TrimSuffix(k, "Arn")] = v
	}
	return out, nil
}

// AWSProvider reads secrets from AWS Secrets Manager by ARN or name.
type AWSProvider struct {
	client awsclient.SecretsManagerAPI
}

// NewAWSProvider creates a Secrets Manager provider.
func NewAWSProvider(client awsclient.SecretsManagerAPI) *AWSProvider {
	return &AWSProvider{client: client}
}

func (p *AWSProvider) Name() string {
	return "secretsmanager"
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	resp, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(key)})
	if err != nil {
		if awsclient.IsNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read secret %s: %w", key, err)
	}
	if resp.SecretString == nil {
		return string(resp.SecretBinary), nil
	}
	return *resp.SecretString, nil
}
