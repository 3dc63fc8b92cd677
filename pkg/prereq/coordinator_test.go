package prereq_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/operator-framework/testdeps/pkg/lib/clusterctl/fake"
	"github.com/operator-framework/testdeps/pkg/lib/nslabels"
	"github.com/operator-framework/testdeps/pkg/prereq"
	"github.com/operator-framework/testdeps/pkg/provisioner"
)

const sharedNamespace = "testdeps-shared"

// recordingProvisioner records the lifecycle steps it is driven through.
type recordingProvisioner struct {
	mu    sync.Mutex
	steps []string

	deployErr error
	onDeploy  func(ctx context.Context)
}

func (p *recordingProvisioner) record(step string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, step)
}

func (p *recordingProvisioner) Steps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.steps...)
}

func (p *recordingProvisioner) Configure(context.Context) error {
	p.record("configure")
	return nil
}

func (p *recordingProvisioner) PreDeploy(context.Context) error {
	p.record("predeploy")
	return nil
}

func (p *recordingProvisioner) Deploy(ctx context.Context) error {
	p.record("deploy")
	if p.onDeploy != nil {
		p.onDeploy(ctx)
	}
	return p.deployErr
}

func (p *recordingProvisioner) Undeploy(context.Context) error {
	p.record("undeploy")
	return nil
}

func (p *recordingProvisioner) PostUndeploy(context.Context) error {
	p.record("postundeploy")
	return nil
}

func (p *recordingProvisioner) Dismiss(context.Context) error {
	p.record("dismiss")
	return nil
}

func registryFor(p provisioner.Provisioner) *prereq.Registry {
	return prereq.NewRegistry().Register("recording", 1, prereq.Accepting(func() (provisioner.Provisioner, error) {
		return p, nil
	}, "amq"))
}

func namespaceLabels(ctx context.Context, client *k8sfake.Clientset) map[string]string {
	ns, err := client.CoreV1().Namespaces().Get(ctx, sharedNamespace, metav1.GetOptions{})
	Expect(err).NotTo(HaveOccurred())
	return ns.GetLabels()
}

var _ = Describe("Coordinator", func() {
	var (
		ctx     context.Context
		client  *k8sfake.Clientset
		runner  *fake.Runner
		prov    *recordingProvisioner
		opts    prereq.Options
		clock   *clocktesting.FakePassiveClock
		subject *prereq.Coordinator
	)

	newCoordinator := func() *prereq.Coordinator {
		c, err := prereq.NewCoordinator(ctx, client, runner, registryFor(prov), opts, prereq.WithClock(clock))
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	BeforeEach(func() {
		ctx = context.Background()
		client = k8sfake.NewSimpleClientset()
		runner = fake.NewRunner()
		prov = &recordingProvisioner{}
		clock = clocktesting.NewFakePassiveClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
		opts = prereq.Options{
			Namespace:    sharedNamespace,
			Selector:     "amq",
			PollInterval: 10 * time.Millisecond,
		}
	})

	Describe("construction", func() {
		It("creates the namespace as neither installing nor ready", func() {
			subject = newCoordinator()

			Expect(namespaceLabels(ctx, client)).To(Equal(map[string]string{
				"testdeps/installing": "false",
				"testdeps/ready":      "false",
			}))
			Expect(subject.IsReady(ctx)).To(BeFalse())
			Expect(subject.IsInstalling(ctx)).To(BeFalse())

			secrets, err := client.CoreV1().Secrets(sharedNamespace).List(ctx, metav1.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(secrets.Items).To(BeEmpty())
		})

		It("leaves an existing namespace alone", func() {
			_, err := client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
				ObjectMeta: metav1.ObjectMeta{Name: sharedNamespace, Labels: map[string]string{"team": "messaging"}},
			}, metav1.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())

			subject = newCoordinator()
			Expect(namespaceLabels(ctx, client)).To(Equal(map[string]string{"team": "messaging"}))

			By("reporting the missing ready label distinctly from not ready")
			_, err = subject.IsReady(ctx)
			Expect(err).To(MatchError(prereq.ErrMissingRequiredLabel))
			var missing *prereq.MissingLabelError
			Expect(errors.As(err, &missing)).To(BeTrue())
			Expect(missing.Key).To(Equal("testdeps/ready"))

			By("treating a missing installing label as false")
			Expect(subject.IsInstalling(ctx)).To(BeFalse())
		})

		It("honours a custom label prefix", func() {
			opts.LabelPrefix = "qe"
			subject = newCoordinator()
			Expect(namespaceLabels(ctx, client)).To(HaveKeyWithValue("qe/ready", "false"))
		})

		It("rejects an invalid namespace", func() {
			opts.Namespace = "Not_A_Namespace"
			_, err := prereq.NewCoordinator(ctx, client, runner, registryFor(prov), opts)
			Expect(err).To(HaveOccurred())
		})

		It("configures the pull secret and image puller binding", func() {
			opts.PullSecret = []byte(`{"auths":{"registry.redhat.io":{"auth":"Zm9vOmJhcg=="}}}`)
			subject = newCoordinator()

			secret, err := client.CoreV1().Secrets(sharedNamespace).Get(ctx, prereq.PullSecretName, metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(secret.Type).To(Equal(corev1.SecretTypeDockerConfigJson))
			Expect(secret.Data).To(HaveKeyWithValue(corev1.DockerConfigJsonKey, opts.PullSecret))

			binding, err := client.RbacV1().RoleBindings(sharedNamespace).Get(ctx, prereq.ImagePullerBinding, metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(binding.RoleRef.Name).To(Equal("system:image-puller"))
			Expect(binding.Subjects).To(HaveLen(1))
			Expect(binding.Subjects[0].Name).To(Equal("system:serviceaccounts:" + sharedNamespace))

			By("updating the secret when another process already created it")
			opts.PullSecret = []byte(`{"auths":{}}`)
			newCoordinator()
			secret, err = client.CoreV1().Secrets(sharedNamespace).Get(ctx, prereq.PullSecretName, metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(secret.Data[corev1.DockerConfigJsonKey]).To(Equal([]byte(`{"auths":{}}`)))
		})
	})

	Describe("Setup", func() {
		BeforeEach(func() {
			subject = newCoordinator()
		})

		It("installs while installing is set and then marks the namespace ready", func() {
			var installingDuringDeploy bool
			prov.onDeploy = func(ctx context.Context) {
				installingDuringDeploy, _ = subject.IsInstalling(ctx)
			}

			Expect(subject.Setup(ctx)).To(Succeed())

			Expect(installingDuringDeploy).To(BeTrue())
			Expect(prov.Steps()).To(Equal([]string{"configure", "predeploy", "deploy"}))
			Expect(subject.IsReady(ctx)).To(BeTrue())
			Expect(subject.IsInstalling(ctx)).To(BeFalse())
			Expect(subject.LastError()).NotTo(HaveOccurred())

			applied := runner.Applied()
			Expect(applied).To(HaveLen(1))
			Expect(applied[0]).To(ContainSubstring("kind: OperatorGroup"))
			Expect(applied[0]).To(ContainSubstring("name: global-operators"))
			Expect(applied[0]).NotTo(ContainSubstring("targetNamespaces"))
		})

		It("swallows a provisioner failure and leaves the namespace not ready", func() {
			prov.deployErr = errors.New("csv amq-broker-operator.v7.12.0 failed")

			Expect(subject.Setup(ctx)).To(Succeed())

			Expect(subject.IsReady(ctx)).To(BeFalse())
			Expect(subject.IsInstalling(ctx)).To(BeFalse())
			Expect(subject.LastError()).To(MatchError(ContainSubstring("failed")))
		})

		It("clears a stale ready flag when reinstalling fails", func() {
			Expect(subject.Setup(ctx)).To(Succeed())
			Expect(subject.IsReady(ctx)).To(BeTrue())

			prov.deployErr = errors.New("boom")
			Expect(subject.Setup(ctx)).To(Succeed())
			Expect(subject.IsReady(ctx)).To(BeFalse())
		})

		It("records an unknown selector without failing", func() {
			opts.Selector = "rhsso"
			subject = newCoordinator()

			Expect(subject.Setup(ctx)).To(Succeed())
			Expect(subject.LastError()).To(MatchError(prereq.ErrNoMatchingProvisioner))
			Expect(prov.Steps()).To(BeEmpty())
			Expect(subject.IsInstalling(ctx)).To(BeFalse())
		})

		It("records an operator group failure without failing", func() {
			runner.On("apply -f", "", fake.Failure("forbidden"))

			Expect(subject.Setup(ctx)).To(Succeed())
			Expect(subject.LastError()).To(HaveOccurred())
			Expect(prov.Steps()).To(BeEmpty())
			Expect(subject.IsReady(ctx)).To(BeFalse())
		})

		It("returns a failure to edit the labels", func() {
			Expect(client.CoreV1().Namespaces().Delete(ctx, sharedNamespace, metav1.DeleteOptions{})).To(Succeed())

			Expect(subject.Setup(ctx)).To(MatchError(nslabels.ErrNamespaceNotFound))
			Expect(prov.Steps()).To(BeEmpty())
		})

		It("finishes concurrent calls without hanging", func() {
			done := make(chan struct{})
			go func() {
				defer close(done)
				var wg sync.WaitGroup
				for i := 0; i < 4; i++ {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						Expect(subject.Setup(ctx)).To(Succeed())
					}()
				}
				wg.Wait()
			}()

			Eventually(done).WithTimeout(5 * time.Second).Should(BeClosed())
			Expect(subject.IsInstalling(ctx)).To(BeFalse())
			Expect(subject.IsReady(ctx)).To(BeTrue())
		})
	})

	Describe("subscribers", func() {
		BeforeEach(func() {
			subject = newCoordinator()
		})

		It("starts with none on a fresh namespace", func() {
			subscribers, err := subject.Subscribers(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(subscribers.Len()).To(BeZero())
		})

		It("round trips subscriptions without installing anything", func() {
			Expect(subject.Subscribe(ctx, "messaging-suite")).To(Succeed())
			Expect(subject.Subscribe(ctx, "datagrid-suite")).To(Succeed())

			subscribers, err := subject.Subscribers(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(subscribers.UnsortedList()).To(ConsistOf("messaging-suite", "datagrid-suite"))
			Expect(namespaceLabels(ctx, client)).To(HaveKeyWithValue(
				"testdeps-subscriber/messaging-suite", strconv.FormatInt(clock.Now().Unix(), 10)))

			Expect(subject.Unsubscribe(ctx, "messaging-suite")).To(Succeed())
			subscribers, err = subject.Subscribers(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(subscribers.UnsortedList()).To(ConsistOf("datagrid-suite"))

			By("unsubscribing twice")
			Expect(subject.Unsubscribe(ctx, "messaging-suite")).To(Succeed())

			Expect(prov.Steps()).To(BeEmpty())
			Expect(runner.Calls()).To(BeEmpty())
		})

		It("rejects consumer ids that cannot be label keys", func() {
			Expect(subject.Subscribe(ctx, "")).NotTo(Succeed())
			Expect(subject.Subscribe(ctx, "no spaces allowed")).NotTo(Succeed())
		})
	})

	Describe("TearDown", func() {
		BeforeEach(func() {
			subject = newCoordinator()
			Expect(subject.Setup(ctx)).To(Succeed())
			Expect(subject.Subscribe(ctx, "messaging-suite")).To(Succeed())
		})

		It("stops the provisioner and deletes operator objects cluster-wide", func() {
			runner.On("delete csv", "", fake.NotFound("delete", "csv"))

			Expect(subject.TearDown(ctx)).To(Succeed())

			Expect(prov.Steps()).To(HaveLen(6))
			Expect(prov.Steps()[3:]).To(Equal([]string{"undeploy", "postundeploy", "dismiss"}))
			for _, kind := range []string{"subscription", "csv", "operatorgroup"} {
				Expect(runner.Count("delete " + kind + " --all --all-namespaces")).To(Equal(1))
			}
			Expect(subject.IsReady(ctx)).To(BeFalse())
			Expect(subject.IsInstalling(ctx)).To(BeFalse())

			By("leaving subscribers in place")
			Expect(namespaceLabels(ctx, client)).To(HaveKey("testdeps-subscriber/messaging-suite"))
		})

		It("reports deletion failures and still clears installing", func() {
			runner.On("delete subscription", "", fake.Failure("forbidden", "delete", "subscription"))

			Expect(subject.TearDown(ctx)).To(MatchError(ContainSubstring("deleting subscription objects")))
			Expect(subject.IsInstalling(ctx)).To(BeFalse())
		})
	})

	Describe("conditional updates", func() {
		BeforeEach(func() {
			opts.ConditionalUpdates = true
			subject = newCoordinator()
		})

		It("applies label edits", func() {
			Expect(subject.Subscribe(ctx, "messaging-suite")).To(Succeed())
			Expect(subject.Setup(ctx)).To(Succeed())
			Expect(subject.IsReady(ctx)).To(BeTrue())
		})

		It("surfaces a concurrent edit as a conflict", func() {
			client.PrependReactor("update", "namespaces", func(clienttesting.Action) (bool, runtime.Object, error) {
				return true, nil, apierrors.NewConflict(schema.GroupResource{Resource: "namespaces"}, sharedNamespace, errors.New("modified"))
			})

			Expect(subject.Subscribe(ctx, "messaging-suite")).To(MatchError(nslabels.ErrConflict))
		})

		It("clears the installing flag after a conflicting edit", func() {
			var conflicts int
			client.PrependReactor("update", "namespaces", func(action clienttesting.Action) (bool, runtime.Object, error) {
				ns := action.(clienttesting.UpdateAction).GetObject().(*corev1.Namespace)
				if ns.Labels["testdeps/installing"] != "false" || conflicts > 0 {
					return false, nil, nil
				}
				conflicts++
				return true, nil, apierrors.NewConflict(schema.GroupResource{Resource: "namespaces"}, sharedNamespace, errors.New("modified"))
			})

			Expect(subject.Setup(ctx)).To(Succeed())
			Expect(conflicts).To(Equal(1))
			Expect(subject.IsInstalling(ctx)).To(BeFalse())
			Expect(subject.IsReady(ctx)).To(BeTrue())
			Expect(subject.Acquire(ctx, "datagrid-suite", 100*time.Millisecond)).To(Succeed())
		})

		It("patches the installing flag when conditional resets keep conflicting", func() {
			client.PrependReactor("update", "namespaces", func(action clienttesting.Action) (bool, runtime.Object, error) {
				ns := action.(clienttesting.UpdateAction).GetObject().(*corev1.Namespace)
				if ns.Labels["testdeps/installing"] != "false" {
					return false, nil, nil
				}
				return true, nil, apierrors.NewConflict(schema.GroupResource{Resource: "namespaces"}, sharedNamespace, errors.New("modified"))
			})

			Expect(subject.TearDown(ctx)).To(Succeed())
			Expect(namespaceLabels(ctx, client)).To(HaveKeyWithValue("testdeps/installing", "false"))
			Expect(namespaceLabels(ctx, client)).To(HaveKeyWithValue("testdeps/ready", "false"))
		})
	})

	Describe("Acquire and Release", func() {
		BeforeEach(func() {
			subject = newCoordinator()
		})

		It("installs once and tears down after the last subscriber leaves", func() {
			Expect(subject.Acquire(ctx, "messaging-suite", time.Second)).To(Succeed())
			Expect(subject.Acquire(ctx, "datagrid-suite", time.Second)).To(Succeed())
			Expect(prov.Steps()).To(Equal([]string{"configure", "predeploy", "deploy"}))

			Expect(subject.Release(ctx, "messaging-suite")).To(Succeed())
			Expect(runner.Count("delete subscription")).To(BeZero())

			Expect(subject.Release(ctx, "datagrid-suite")).To(Succeed())
			Expect(runner.Count("delete subscription")).To(Equal(1))
			Expect(subject.IsReady(ctx)).To(BeFalse())
		})

		It("fails when the installation fails", func() {
			prov.deployErr = errors.New("boom")

			Expect(subject.Acquire(ctx, "messaging-suite", time.Second)).To(MatchError(prereq.ErrPrerequisiteNotReady))
			subscribers, err := subject.Subscribers(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(subscribers.Len()).To(BeZero())
		})

		It("waits for another process that is installing", func() {
			other := newCoordinator()
			Expect(other.Setup(ctx)).To(Succeed())
			installing := "true"
			store := nslabels.New(client, sharedNamespace, nil)
			Expect(store.Set(ctx, map[string]*string{"testdeps/installing": &installing})).To(Succeed())

			Expect(subject.Acquire(ctx, "messaging-suite", 50*time.Millisecond)).To(MatchError(prereq.ErrPrerequisiteNotReady))

			installing = "false"
			Expect(store.Set(ctx, map[string]*string{"testdeps/installing": &installing})).To(Succeed())
			Expect(subject.Acquire(ctx, "messaging-suite", time.Second)).To(Succeed())
			Expect(prov.Steps()).To(HaveLen(3), "only the other process installed")
		})
	})
})

var _ = Describe("Context", func() {
	It("builds the coordinator once", func() {
		ctx := context.Background()
		client := k8sfake.NewSimpleClientset()
		pctx := prereq.NewContext(client, fake.NewRunner(), prereq.NewRegistry(), prereq.Options{Namespace: sharedNamespace})

		var (
			wg   sync.WaitGroup
			seen = make([]*prereq.Coordinator, 8)
		)
		for i := range seen {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				c, err := pctx.Coordinator(ctx)
				Expect(err).NotTo(HaveOccurred())
				seen[i] = c
			}(i)
		}
		wg.Wait()

		for _, c := range seen {
			Expect(c).To(BeIdenticalTo(seen[0]))
		}
		creates := 0
		for _, action := range client.Actions() {
			if action.Matches("create", "namespaces") {
				creates++
			}
		}
		Expect(creates).To(Equal(1))

		By("building a new one after Close")
		pctx.Close()
		c, err := pctx.Coordinator(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(c).NotTo(BeIdenticalTo(seen[0]))
	})
})
