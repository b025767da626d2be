// Package kubernetes runs each claimed item as a Kubernetes Job. Runner.Run
// has the engine.Func shape, so engine.NewAsync(runner.Run) gives an Engine
// whose Cancel deletes the Job.
package kubernetes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rzbill/ciqueue/internal/engine"
	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/pkg/log"
)

// Labels and annotations put on every Job.
const (
	LabelManagedBy     = "app.kubernetes.io/managed-by"
	LabelStoreKey      = "ciqueue.io/store-key"
	AnnotationRevision = "ciqueue.io/revision"
	managedBy          = "ciqueue"
	containerName      = "ci"
)

// Config describes the Job created for every item.
type Config struct {
	Namespace string
	Image     string
	// Command overrides the image entrypoint when set.
	Command        []string
	ServiceAccount string
	// Env holds extra KEY=VALUE pairs.
	Env []string
	// PollInterval is how often the Job status is read. Defaults to 2s.
	PollInterval time.Duration
	// TTLAfterFinished lets the cluster garbage-collect finished Jobs. Zero
	// leaves them in place.
	TTLAfterFinished time.Duration
}

// NewClient uses the in-cluster config when available, and otherwise the
// kubeconfig at path (the default home kubeconfig when path is empty).
func NewClient(path string) (kubernetes.Interface, error) {
	if path == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return kubernetes.NewForConfig(cfg)
		}
		path = clientcmd.RecommendedHomeFile
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("kubernetes: load kubeconfig %s: %w", path, err)
	}
	return kubernetes.NewForConfig(cfg)
}

// Runner creates Jobs and waits for them.
type Runner struct {
	client kubernetes.Interface
	cfg    Config
	log    log.Logger
}

// NewRunner returns a Runner for cfg.
func NewRunner(client kubernetes.Interface, cfg Config, l log.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Namespace == "" {
		cfg.Namespace = metav1.NamespaceDefault
	}
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Runner{client: client, cfg: cfg, log: l.WithComponent("engine.kubernetes")}
}

// NewEngine is engine.NewAsync over a Runner.
func NewEngine(client kubernetes.Interface, cfg Config, l log.Logger, opts ...engine.Option) *engine.Async {
	r := NewRunner(client, cfg, l)
	return engine.NewAsync(r.Run, append([]engine.Option{engine.WithLogger(r.log)}, opts...)...)
}

// Run creates a Job for it and blocks until the Job completes or fails. When
// ctx ends first the Job is deleted along with its pods.
func (r *Runner) Run(ctx context.Context, it item.Item) error {
	jobs := r.client.BatchV1().Jobs(r.cfg.Namespace)
	job, err := jobs.Create(ctx, r.jobFor(it), metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("kubernetes: create job: %w", err)
	}
	l := r.log.With(log.Str("key", it.StoreKey), log.Str("job", job.Name))
	l.Info("job created", log.Str("revision", it.Revision.String()))

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.deleteJob(job.Name, l)
			return ctx.Err()
		case <-ticker.C:
		}
		cur, err := jobs.Get(ctx, job.Name, metav1.GetOptions{})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return fmt.Errorf("kubernetes: get job %s: %w", job.Name, err)
		}
		done, failure := finished(cur)
		if !done {
			continue
		}
		if failure != "" {
			l.Warn("job failed", log.Str("reason", failure))
			return fmt.Errorf("kubernetes: job %s failed: %s", job.Name, failure)
		}
		l.Info("job succeeded")
		return nil
	}
}

func (r *Runner) deleteJob(name string, l log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	policy := metav1.DeletePropagationBackground
	err := r.client.BatchV1().Jobs(r.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil {
		l.Warn("delete job failed", log.Err(err))
		return
	}
	l.Info("job deleted")
}

// finished reports whether job reached a terminal condition, and the failure
// message when it failed.
func finished(job *batchv1.Job) (bool, string) {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return true, ""
		case batchv1.JobFailed:
			msg := c.Message
			if msg == "" {
				msg = c.Reason
			}
			if msg == "" {
				msg = "failed"
			}
			return true, msg
		}
	}
	if job.Status.Succeeded > 0 {
		return true, ""
	}
	return false, ""
}

// jobName is unique per run so a re-claimed item never collides with a Job
// left by a previous lease holder.
func jobName(it item.Item) string {
	suffix := strings.ToLower(ulid.Make().String())
	return "ciq-" + strings.ToLower(it.StoreKey) + "-" + suffix[len(suffix)-8:]
}

func (r *Runner) jobFor(it item.Item) *batchv1.Job {
	backoffLimit := int32(0)
	var env []corev1.EnvVar
	for _, kv := range append(append([]string{}, r.cfg.Env...), engine.Environ(it)...) {
		name, value, _ := strings.Cut(kv, "=")
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(it),
			Namespace: r.cfg.Namespace,
			Labels: map[string]string{
				LabelManagedBy: managedBy,
				LabelStoreKey:  it.StoreKey,
			},
			Annotations: map[string]string{AnnotationRevision: it.Revision.String()},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{LabelManagedBy: managedBy, LabelStoreKey: it.StoreKey},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: r.cfg.ServiceAccount,
					Containers: []corev1.Container{{
						Name:    containerName,
						Image:   r.cfg.Image,
						Command: r.cfg.Command,
						Env:     env,
					}},
				},
			},
		},
	}
	if r.cfg.TTLAfterFinished > 0 {
		ttl := int32(r.cfg.TTLAfterFinished / time.Second)
		job.Spec.TTLSecondsAfterFinished = &ttl
	}
	return job
}
