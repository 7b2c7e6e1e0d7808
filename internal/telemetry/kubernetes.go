package telemetry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/yourusername/devbox-orchestrator/internal/config"
)

// KubernetesSource 以集群节点为工作机：成员来自节点列表，CPU 来自 Metrics Server
type KubernetesSource struct {
	kubeClient    kubernetes.Interface
	metricsClient metricsclientset.Interface
	selector      string
	logger        *logrus.Logger
}

// NewKubernetesSource 使用已有客户端创建数据源
func NewKubernetesSource(kubeClient kubernetes.Interface, metricsClient metricsclientset.Interface, selector string, logger *logrus.Logger) *KubernetesSource {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &KubernetesSource{
		kubeClient:    kubeClient,
		metricsClient: metricsClient,
		selector:      selector,
		logger:        logger,
	}
}

// NewKubernetesSourceFromConfig 从 kubeconfig 或集群内配置创建数据源
func NewKubernetesSourceFromConfig(cfg *config.K8sConfig, logger *logrus.Logger) (*KubernetesSource, error) {
	var restConfig *rest.Config
	var err error

	// 如果有kubeconfig文件，使用文件配置
	if cfg.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		// 否则使用in-cluster配置
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s config: %w", err)
	}

	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	metricsClient, err := metricsclientset.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics clientset: %w", err)
	}

	return NewKubernetesSource(kubeClient, metricsClient, cfg.NodeSelector, logger), nil
}

// ListWorkerIDs 列出匹配选择器的节点名
func (s *KubernetesSource) ListWorkerIDs(ctx context.Context) ([]string, error) {
	nodes, err := s.listNodes(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.Name)
	}
	return ids, nil
}

// ResolveAddresses 节点地址，优先 ExternalIP，其次 InternalIP
func (s *KubernetesSource) ResolveAddresses(ctx context.Context, ids []string) (map[string]string, error) {
	nodes, err := s.listNodes(ctx)
	if err != nil {
		return nil, err
	}

	wanted := toSet(ids)
	result := make(map[string]string, len(ids))
	for i := range nodes {
		node := &nodes[i]
		if _, ok := wanted[node.Name]; !ok {
			continue
		}
		if addr := nodeAddress(node); addr != "" {
			result[node.Name] = addr
		}
	}
	return result, nil
}

// SampleCPU 节点CPU使用量 / 可分配量 * 100
func (s *KubernetesSource) SampleCPU(ctx context.Context, ids []string) (map[string]float64, error) {
	nodes, err := s.listNodes(ctx)
	if err != nil {
		return nil, err
	}

	allocatable := make(map[string]int64, len(nodes))
	for _, node := range nodes {
		allocatable[node.Name] = node.Status.Allocatable.Cpu().MilliValue()
	}

	nodeMetrics, err := s.metricsClient.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get node metrics from metrics server: %w", err)
	}

	wanted := toSet(ids)
	result := make(map[string]float64, len(ids))
	for _, nm := range nodeMetrics.Items {
		if _, ok := wanted[nm.Name]; !ok {
			continue
		}
		capacity := allocatable[nm.Name]
		if capacity <= 0 {
			continue
		}
		result[nm.Name] = float64(nm.Usage.Cpu().MilliValue()) / float64(capacity) * 100.0
	}

	s.logger.Debugf("Sampled cpu for %d/%d nodes", len(result), len(ids))
	return result, nil
}

func (s *KubernetesSource) listNodes(ctx context.Context) ([]corev1.Node, error) {
	nodes, err := s.kubeClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: s.selector})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes.Items, nil
}

func nodeAddress(node *corev1.Node) string {
	var internal string
	for _, addr := range node.Status.Addresses {
		switch addr.Type {
		case corev1.NodeExternalIP:
			if addr.Address != "" {
				return addr.Address
			}
		case corev1.NodeInternalIP:
			if internal == "" {
				internal = addr.Address
			}
		}
	}
	return internal
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
