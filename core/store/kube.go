package store

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Kube stores objects as Opaque Secrets in one namespace.
type Kube struct {
	namespace string
	secrets   typedcorev1.SecretInterface
}

var _ Store = (*Kube)(nil)

func NewKube(client kubernetes.Interface, namespace string) *Kube {
	return &Kube{
		namespace: namespace,
		secrets:   client.CoreV1().Secrets(namespace),
	}
}

// NewKubeClient builds a clientset from a kubeconfig file, or from the
// in-cluster service account when kubeconfig is empty.
func NewKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		config *rest.Config
		err    error
	)

	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("loading kube config: %w", err)
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("creating kube client: %w", err)
	}

	return client, nil
}

func (k *Kube) List(ctx context.Context, opts ListOptions) ([]Object, error) {
	m, err := newMatcher(k.namespace, opts)
	if err != nil {
		return nil, err
	}

	list, err := k.secrets.List(ctx, metav1.ListOptions{
		LabelSelector: opts.LabelSelector,
		FieldSelector: opts.FieldSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}

	objects := make([]Object, 0, len(list.Items))
	for _, secret := range list.Items {
		obj := fromSecret(&secret)
		if !m.Matches(obj) {
			continue
		}
		objects = append(objects, obj)
	}

	return objects, nil
}

func (k *Kube) Create(ctx context.Context, obj Object) error {
	_, err := k.secrets.Create(ctx, k.toSecret(obj), metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("creating secret %s: %w", obj.Name, normalize(err))
	}

	return nil
}

func (k *Kube) Replace(ctx context.Context, obj Object) error {
	_, err := k.secrets.Update(ctx, k.toSecret(obj), metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("replacing secret %s: %w", obj.Name, normalize(err))
	}

	return nil
}

func (k *Kube) Delete(ctx context.Context, name string) error {
	err := k.secrets.Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil {
		return fmt.Errorf("deleting secret %s: %w", name, normalize(err))
	}

	return nil
}

func (k *Kube) toSecret(obj Object) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      obj.Name,
			Namespace: k.namespace,
			Labels:    obj.Labels,
		},
		Type: corev1.SecretTypeOpaque,
		Data: obj.Data,
	}
}

func fromSecret(secret *corev1.Secret) Object {
	return Object{
		Name:   secret.Name,
		Labels: secret.Labels,
		Data:   secret.Data,
	}
}

func normalize(err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	default:
		return err
	}
}
