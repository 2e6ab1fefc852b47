// Optional cluster orchestrator backend: runs each sandbox as a Pod
// on a Kubernetes cluster, resolving in-cluster config first and
// falling back to a kubeconfig. Exec goes through the API server's
// exec subresource; file ops ride on exec. Only constructible when a
// cluster endpoint resolves — otherwise it reports Unavailable.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/thrashr888/agentkernel/internal/kernelerr"
	"github.com/thrashr888/agentkernel/internal/permissions"
)

const (
	orchestratorPollInterval = 2 * time.Second
	orchestratorPollTimeout  = 2 * time.Minute
)

type orchestratorDriver struct {
	name      string
	namespace string

	restCfg   *rest.Config
	clientset kubernetes.Interface

	mu      sync.Mutex
	running bool
}

func newOrchestratorDriver(cfg Config) (Driver, error) {
	restCfg, err := buildOrchestratorRESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, kernelerr.Unavailablef("kubernetes config: %v", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, kernelerr.Unavailablef("kubernetes clientset: %v", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}

	return &orchestratorDriver{
		name:      cfg.Name,
		namespace: namespace,
		restCfg:   restCfg,
		clientset: clientset,
	}, nil
}

func buildOrchestratorRESTConfig(kubeconfigOverride string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	kubeconfig := kubeconfigOverride
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	if kubeconfig == "" {
		kubeconfig = os.Getenv("HOME") + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func (d *orchestratorDriver) Backend() Backend { return BackendOrchestrator }
func (d *orchestratorDriver) podName() string  { return containerName(d.name) }

func (d *orchestratorDriver) StartWithPermissions(ctx context.Context, image string, perms permissions.Permissions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return kernelerr.Conflictf("orchestrator pod %s is already running", d.podName())
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      d.podName(),
			Namespace: d.namespace,
			Labels:    map[string]string{"managed-by": "agentkernel"},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:      "sandbox",
				Image:     image,
				Command:   []string{"sh", "-c", "while true; do sleep 3600; done"},
				Resources: resourceRequirements(perms),
			}},
		},
	}

	// There is no per-pod network-isolation toggle equivalent to
	// --network=none at this layer; enforcing perms.Network=false
	// requires a NetworkPolicy applied out-of-band by the cluster
	// operator. The gap is recorded rather than silently dropped.
	if !perms.Network {
		pod.ObjectMeta.Labels["agentkernel/network-isolated"] = "true"
	}

	if _, err := d.clientset.CoreV1().Pods(d.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return kernelerr.Backendf(err, "failed to create sandbox pod %s", d.podName())
	}

	if err := d.waitForRunning(ctx); err != nil {
		_ = d.clientset.CoreV1().Pods(d.namespace).Delete(ctx, d.podName(), metav1.DeleteOptions{})
		return kernelerr.Backendf(err, "sandbox pod %s did not become ready", d.podName())
	}

	d.running = true
	return nil
}

func resourceRequirements(perms permissions.Permissions) corev1.ResourceRequirements {
	limits := corev1.ResourceList{}
	if perms.MaxMemoryMB != nil {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(int64(*perms.MaxMemoryMB)*1024*1024, resource.BinarySI)
	}
	if perms.MaxCPUPercent != nil {
		millis := int64(*perms.MaxCPUPercent) * 10
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(millis, resource.DecimalSI)
	}
	if len(limits) == 0 {
		return corev1.ResourceRequirements{}
	}
	return corev1.ResourceRequirements{Limits: limits}
}

func (d *orchestratorDriver) waitForRunning(ctx context.Context) error {
	deadline := time.Now().Add(orchestratorPollTimeout)
	for time.Now().Before(deadline) {
		pod, err := d.clientset.CoreV1().Pods(d.namespace).Get(ctx, d.podName(), metav1.GetOptions{})
		if err == nil && pod.Status.Phase == corev1.PodRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(orchestratorPollInterval):
		}
	}
	return fmt.Errorf("timed out waiting for pod %s", d.podName())
}

func (d *orchestratorDriver) Exec(ctx context.Context, command []string) (ExecResult, error) {
	return d.ExecWithEnv(ctx, command, nil)
}

func (d *orchestratorDriver) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error) {
	fullCmd := command
	if len(env) > 0 {
		fullCmd = withEnvPrefix(command, env)
	}
	return d.stream(ctx, fullCmd, nil)
}

// stream runs command through the pod's exec subresource. A non-nil
// stdin is piped to the command's standard input, which is how file
// writes reach the pod.
func (d *orchestratorDriver) stream(ctx context.Context, command []string, stdin io.Reader) (ExecResult, error) {
	req := d.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(d.podName()).
		Namespace(d.namespace).
		SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Command: command,
		Stdin:   stdin != nil,
		Stdout:  true,
		Stderr:  true,
	}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(d.restCfg, "POST", req.URL())
	if err != nil {
		return ExecResult{}, kernelerr.Backendf(err, "failed to build exec request")
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, kernelerr.Backendf(err, "exec into pod %s failed", d.podName())
	}
	return result, nil
}

// withEnvPrefix emulates ExecWithEnv by prefixing the command with
// `env K=V ...` since PodExecOptions has no dedicated env field.
func withEnvPrefix(command []string, env map[string]string) []string {
	args := []string{"env"}
	for k, v := range env {
		args = append(args, k+"="+v)
	}
	return append(args, command...)
}

func (d *orchestratorDriver) WriteFile(ctx context.Context, path string, data []byte) error {
	result, err := d.stream(ctx, []string{"sh", "-c", "cat > " + shellQuote(path)}, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return kernelerr.Backendf(nil, "failed to write file %s in pod %s: %s", path, d.podName(), result.Stderr)
	}
	return nil
}

func (d *orchestratorDriver) ReadFile(ctx context.Context, path string) ([]byte, error) {
	result, err := d.Exec(ctx, []string{"cat", path})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, kernelerr.NotFoundf("file %s not found in pod", path)
	}
	return []byte(result.Stdout), nil
}

func (d *orchestratorDriver) RemoveFile(ctx context.Context, path string) error {
	_, err := d.Exec(ctx, []string{"rm", "-f", path})
	return err
}

func (d *orchestratorDriver) InjectFiles(ctx context.Context, files []FileInjection) error {
	for _, f := range files {
		if err := d.WriteFile(ctx, f.Dest, f.Bytes); err != nil {
			return err
		}
	}
	return nil
}

func (d *orchestratorDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.clientset.CoreV1().Pods(d.namespace).Delete(ctx, d.podName(), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return kernelerr.Backendf(err, "failed to delete pod %s", d.podName())
	}
	d.running = false
	return nil
}

func (d *orchestratorDriver) Remove(ctx context.Context) error {
	return d.Stop(ctx)
}

func (d *orchestratorDriver) IsRunning(ctx context.Context) bool {
	pod, err := d.clientset.CoreV1().Pods(d.namespace).Get(ctx, d.podName(), metav1.GetOptions{})
	if err != nil {
		return false
	}
	return pod.Status.Phase == corev1.PodRunning
}
