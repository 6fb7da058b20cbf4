package container

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// KubernetesRuntime implements Runtime on pods in one namespace.
type KubernetesRuntime struct {
	client    kubernetes.Interface
	config    Config
	namespace string
}

// NewKubernetesRuntime creates a Kubernetes-backed runtime.
func NewKubernetesRuntime(config Config) (*KubernetesRuntime, error) {
	var kubeConfig *rest.Config
	var err error

	if config.KubeConfig != "" {
		kubeConfig, err = clientcmd.BuildConfigFromFlags("", config.KubeConfig)
	} else if config.Endpoint != "" {
		kubeConfig, err = rest.InClusterConfig()
	} else {
		if home := homedir.HomeDir(); home != "" {
			kubeconfigPath := filepath.Join(home, ".kube", "config")
			kubeConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		} else {
			return nil, fmt.Errorf("no kubeconfig specified and unable to find default")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	namespace := config.Namespace
	if namespace == "" {
		namespace = "default"
	}

	return &KubernetesRuntime{
		client:    clientset,
		config:    config,
		namespace: namespace,
	}, nil
}

// CreateAgent creates a pod for the agent. Pods start automatically.
func (r *KubernetesRuntime) CreateAgent(ctx context.Context, spec *Spec) (string, error) {
	imageName := spec.Image

	restartPolicy := corev1.RestartPolicyNever
	if spec.Config.AutoRestart {
		restartPolicy = corev1.RestartPolicyAlways
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ContainerName(spec.Config.AgentID),
			Namespace: r.namespace,
			Labels:    standardLabels(spec),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: restartPolicy,
			Containers: []corev1.Container{
				{
					Name:      "agent",
					Image:     imageName,
					Env:       buildEnvVars(standardEnv(r.config, spec)),
					Resources: buildResourceRequirements(spec),
				},
			},
		},
	}

	created, err := r.client.CoreV1().Pods(r.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create pod: %w", err)
	}
	return string(created.UID), nil
}

// StopAgent deletes the agent's pod with a grace period.
func (r *KubernetesRuntime) StopAgent(ctx context.Context, agentID string, timeout time.Duration) error {
	gracePeriod := int64(timeout.Seconds())
	err := r.client.CoreV1().Pods(r.namespace).Delete(ctx, ContainerName(agentID), metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriod,
	})
	if err != nil {
		return fmt.Errorf("failed to delete pod: %w", err)
	}
	return nil
}

// RemoveAgent deletes the agent's pod immediately. Pod deletion is the
// removal; a second call after StopAgent is a no-op error we swallow
// only when force is set.
func (r *KubernetesRuntime) RemoveAgent(ctx context.Context, agentID string, force bool) error {
	gracePeriod := int64(0)
	err := r.client.CoreV1().Pods(r.namespace).Delete(ctx, ContainerName(agentID), metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriod,
	})
	if err != nil {
		if force {
			return nil
		}
		return fmt.Errorf("failed to delete pod: %w", err)
	}
	return nil
}

// GetInstance returns the observed pod state for an agent.
func (r *KubernetesRuntime) GetInstance(ctx context.Context, agentID string) (*Instance, error) {
	pod, err := r.client.CoreV1().Pods(r.namespace).Get(ctx, ContainerName(agentID), metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get pod: %w", err)
	}
	return podToInstance(pod), nil
}

// ListInstances returns all pods carrying the managed label.
func (r *KubernetesRuntime) ListInstances(ctx context.Context) ([]*Instance, error) {
	selector := labels.Set{LabelManaged: "true"}.AsSelector()

	pods, err := r.client.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	var instances []*Instance
	for i := range pods.Items {
		pod := &pods.Items[i]
		if _, ok := pod.Labels[LabelAgentID]; !ok {
			continue
		}
		instances = append(instances, podToInstance(pod))
	}
	return instances, nil
}

// GetStats is unavailable without the metrics API; callers fall back to
// heartbeat-reported usage.
func (r *KubernetesRuntime) GetStats(ctx context.Context, agentID string) (*Stats, error) {
	return nil, fmt.Errorf("stats not supported by kubernetes runtime")
}

// StreamLogs follows the agent pod's log output.
func (r *KubernetesRuntime) StreamLogs(ctx context.Context, agentID string) (io.ReadCloser, error) {
	req := r.client.CoreV1().Pods(r.namespace).GetLogs(ContainerName(agentID), &corev1.PodLogOptions{
		Follow:     true,
		Timestamps: true,
	})

	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to stream logs: %w", err)
	}
	return stream, nil
}

// Close is a no-op; the clientset holds no persistent connection.
func (r *KubernetesRuntime) Close() error {
	return nil
}

// podToInstance maps a pod to the runtime's container view.
func podToInstance(pod *corev1.Pod) *Instance {
	inst := &Instance{
		AgentID:     pod.Labels[LabelAgentID],
		ContainerID: string(pod.UID),
		Name:        pod.Name,
		Labels:      pod.Labels,
	}

	if len(pod.Spec.Containers) > 0 {
		inst.Image = pod.Spec.Containers[0].Image
	}

	switch pod.Status.Phase {
	case corev1.PodPending:
		inst.State = "created"
	case corev1.PodRunning:
		inst.State = "running"
		inst.Running = true
		if pod.Status.StartTime != nil {
			inst.StartedAt = &pod.Status.StartTime.Time
		}
	case corev1.PodSucceeded:
		inst.State = "exited"
	case corev1.PodFailed:
		inst.State = "exited"
		if len(pod.Status.ContainerStatuses) > 0 {
			if term := pod.Status.ContainerStatuses[0].State.Terminated; term != nil {
				inst.ExitCode = int(term.ExitCode)
			}
		}
	default:
		inst.State = "dead"
	}

	return inst
}

// buildEnvVars flattens the environment map into pod env vars.
func buildEnvVars(env map[string]string) []corev1.EnvVar {
	var out []corev1.EnvVar
	for key, value := range env {
		out = append(out, corev1.EnvVar{Name: key, Value: value})
	}
	return out
}

// buildResourceRequirements maps agent limits onto pod resources.
func buildResourceRequirements(spec *Spec) corev1.ResourceRequirements {
	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{},
	}

	if spec.Config.CPULimit > 0 {
		millicores := int64(spec.Config.CPULimit * 1000)
		resources.Limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(millicores, resource.DecimalSI)
	}
	if spec.Config.MemoryLimitMB > 0 {
		bytes := int64(spec.Config.MemoryLimitMB) * 1024 * 1024
		resources.Limits[corev1.ResourceMemory] = *resource.NewQuantity(bytes, resource.BinarySI)
	}

	return resources
}
