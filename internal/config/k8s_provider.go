package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultK8sSecretName is the Secret the Helm chart mounts for the server.
	DefaultK8sSecretName = "semantic-analytics"
	// DefaultK8sMountRoot holds one directory per mounted Secret.
	DefaultK8sMountRoot = "/var/run/secrets/semantic-analytics"

	serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"
)

// K8sProvider reads keys of a mounted Kubernetes Secret from
// <root>/<secret>/<key>. It is only available inside a pod, so local runs
// fall through to the next provider in the chain.
type K8sProvider struct {
	secretDir string
	secret    string
	namespace string
	tokenPath string
}

// NewK8sProvider creates a provider for the named Secret under root. Empty
// arguments use the deployment defaults. The namespace comes from
// POD_NAMESPACE (downward API) or the service account mount.
func NewK8sProvider(root, secret string) *K8sProvider {
	if root == "" {
		root = DefaultK8sMountRoot
	}
	if secret == "" {
		secret = DefaultK8sSecretName
	}
	return &K8sProvider{
		secretDir: filepath.Join(root, secret),
		secret:    secret,
		namespace: detectNamespace(),
		tokenPath: filepath.Join(serviceAccountDir, "token"),
	}
}

func detectNamespace() string {
	if ns := strings.TrimSpace(os.Getenv("POD_NAMESPACE")); ns != "" {
		return ns
	}
	if ns, err := os.ReadFile(filepath.Join(serviceAccountDir, "namespace")); err == nil {
		return strings.TrimSpace(string(ns))
	}
	return ""
}

// GetSecret reads one key of the mounted Secret.
func (k *K8sProvider) GetSecret(ctx context.Context, key string) (string, error) {
	return readSecretFile(k.secretDir, key)
}

// Name returns the provider name, including the Secret it reads.
func (k *K8sProvider) Name() string {
	if k.namespace == "" {
		return "kubernetes:" + k.secret
	}
	return "kubernetes:" + k.namespace + "/" + k.secret
}

// IsAvailable requires a service account token and the mounted Secret.
func (k *K8sProvider) IsAvailable(ctx context.Context) bool {
	if _, err := os.Stat(k.tokenPath); err != nil {
		return false
	}
	return isDir(k.secretDir)
}

// Namespace returns the pod namespace, or "" outside a cluster.
func (k *K8sProvider) Namespace() string {
	return k.namespace
}
