package prompt_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/coach/pkg/prompt"
)

// writeTemplates lays out a complete override directory.
func writeTemplates(dir, marker string) {
	files := map[string]string{
		"system/interview_system_v1.txt": marker + " interview system\n${jobs}",
		"system/learning_system_v1.txt":  marker + " learning system\n${jobs}",
		"user/interview_user_v1.txt":     marker + " interview for ${desiredPosition}",
		"user/learning_user_v1.txt":      marker + " learning for ${desiredPosition}",
		"jobs.json":                      `{"Data":["Data Engineer"]}`,
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
	}
}

var _ = Describe("Loader", func() {
	Context("with embedded defaults", func() {
		It("loads every template and injects the job catalogue", func() {
			loader, err := prompt.NewLoader("", zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			set := loader.Prompts()
			Expect(set.InterviewSystem).To(ContainSubstring(`"Backend Developer"`))
			Expect(set.InterviewSystem).NotTo(ContainSubstring("${jobs}"))
			Expect(set.LearningSystem).To(ContainSubstring(`"Data Engineer"`))
			Expect(set.InterviewUser).To(ContainSubstring("${careerSummary}"))
			Expect(set.LearningUser).To(ContainSubstring("${skills}"))
		})

		It("does not watch anything", func() {
			loader, err := prompt.NewLoader("", zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			Expect(loader.Watch(context.Background())).To(Succeed())
		})
	})

	Context("with an override directory", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
			writeTemplates(dir, "v1")
		})

		It("loads the directory templates", func() {
			loader, err := prompt.NewLoader(dir, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			set := loader.Prompts()
			Expect(set.InterviewSystem).To(HavePrefix("v1 interview system"))
			Expect(set.InterviewSystem).To(ContainSubstring("\"Data\": [\n    \"Data Engineer\"\n  ]"))
		})

		It("fails when a template is missing", func() {
			Expect(os.Remove(filepath.Join(dir, "user/learning_user_v1.txt"))).To(Succeed())

			_, err := prompt.NewLoader(dir, zap.NewNop())
			Expect(err).To(MatchError(ContainSubstring("learning_user_v1.txt")))
		})

		It("keeps the previous set when a reload fails", func() {
			loader, err := prompt.NewLoader(dir, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			Expect(os.WriteFile(filepath.Join(dir, "jobs.json"), []byte("{"), 0o644)).To(Succeed())
			Expect(loader.Reload()).To(MatchError(ContainSubstring("jobs.json")))
			Expect(loader.Prompts().InterviewSystem).To(HavePrefix("v1"))
		})

		It("reloads when files change", func() {
			loader, err := prompt.NewLoader(dir, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- loader.Watch(ctx) }()
			// Let the watcher register its directories.
			time.Sleep(100 * time.Millisecond)

			writeTemplates(dir, "v2")

			Eventually(func() string {
				return loader.Prompts().InterviewUser
			}, 3*time.Second).Should(HavePrefix("v2"))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})

var _ = Describe("Render", func() {
	It("replaces known placeholders and leaves the rest", func() {
		out := prompt.Render("${a} and ${b} but not ${c}", map[string]string{
			"a": "one",
			"b": "${a}",
		})
		Expect(out).To(Equal("one and ${a} but not ${c}"))
	})

	It("returns the template unchanged without vars", func() {
		Expect(prompt.Render("${x}", nil)).To(Equal("${x}"))
	})
})
