package watch

import (
	"testing"

	. "github.com/onsi/gomega"

	"agentfs/internal/config"
	"agentfs/internal/vfs"
)

func newWatchedCore(t *testing.T, opts ...Option) (*vfs.FsCore, *Hub) {
	t.Helper()
	g := NewWithT(t)
	cfg := config.Default()
	cfg.TrackEvents = true
	c, err := vfs.New(cfg)
	g.Expect(err).NotTo(HaveOccurred())
	t.Cleanup(func() { c.Shutdown() })
	hub := NewHub(c.BranchOf, opts...)
	c.Subscribe(hub.Publish)
	return c, hub
}

func write(t *testing.T, c *vfs.FsCore, pid vfs.PID, path, data string) {
	t.Helper()
	g := NewWithT(t)
	h, err := c.Create(pid, path, vfs.OpenOptions{Write: true, Truncate: true})
	g.Expect(err).NotTo(HaveOccurred())
	_, err = c.Write(pid, h, 0, []byte(data))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(c.Close(pid, h)).To(Succeed())
}

func TestHubKqueue(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	c, hub := newWatchedCore(t)
	g.Expect(c.Mkdir(1, "/dir", 0o755)).To(Succeed())
	write(t, c, 1, "/dir/f", "one")

	fileID, err := hub.RegisterKqueue(2, "/dir/f", 0)
	g.Expect(err).NotTo(HaveOccurred())
	dirID, err := hub.RegisterKqueue(2, "/dir", 0)
	g.Expect(err).NotTo(HaveOccurred())

	h, err := c.Open(1, "/dir/f", vfs.OpenOptions{Append: true})
	g.Expect(err).NotTo(HaveOccurred())
	_, err = c.Write(1, h, 0, []byte(" two"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(c.Close(1, h)).To(Succeed())
	g.Expect(c.Rename(1, "/dir/f", "/dir/g")).To(Succeed())

	got, dropped, err := hub.Drain(fileID, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dropped).To(BeZero())
	g.Expect(got).To(HaveLen(2))
	g.Expect(got[0].Flags).To(Equal(NoteWrite | NoteExtend))
	g.Expect(got[1].Flags).To(Equal(NoteRename))

	// The registration follows the renamed vnode.
	g.Expect(c.Unlink(1, "/dir/g")).To(Succeed())
	got, _, _ = hub.Drain(fileID, 0)
	g.Expect(got).To(ConsistOf(HaveField("Flags", NoteDelete)))

	got, _, _ = hub.Drain(dirID, 0)
	g.Expect(got).To(HaveLen(2))
	for _, n := range got {
		g.Expect(n.Flags).To(Equal(NoteWrite))
	}
}

func TestHubFSEvents(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	c, hub := newWatchedCore(t)
	g.Expect(c.Mkdir(1, "/src", 0o755)).To(Succeed())

	id, err := hub.RegisterFSEvents(9, []string{"/src"}, 0)
	g.Expect(err).NotTo(HaveOccurred())
	createdOnly, err := hub.RegisterFSEvents(9, []string{"/"}, ItemCreated)
	g.Expect(err).NotTo(HaveOccurred())

	write(t, c, 1, "/src/main.go", "package main")
	write(t, c, 1, "/other.txt", "x")
	g.Expect(c.Mkdir(1, "/src/pkg", 0o755)).To(Succeed())

	got, _, err := hub.Drain(id, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got).To(HaveLen(3))
	g.Expect(got[0]).To(And(HaveField("Path", "src/main.go"), HaveField("Flags", ItemCreated|ItemIsFile)))
	g.Expect(got[1]).To(HaveField("Flags", ItemModified|ItemIsFile))
	g.Expect(got[2]).To(And(HaveField("Path", "src/pkg"), HaveField("Flags", ItemCreated|ItemIsDir)))
	g.Expect(got[0].Seq).To(BeNumerically("<", got[1].Seq))

	got, _, _ = hub.Drain(createdOnly, 0)
	g.Expect(got).To(HaveLen(3))
}

func TestHubBranchScope(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	c, hub := newWatchedCore(t)
	b, err := c.BranchCreate("", "sandbox")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(c.BranchBind(b, 10)).To(Succeed())

	rootWatch, _ := hub.RegisterFSEvents(1, []string{"/"}, 0)
	branchWatch, _ := hub.RegisterFSEvents(11, []string{"/"}, 0)
	g.Expect(c.BranchBind(b, 11)).To(Succeed())

	write(t, c, 10, "/in-branch", "b")
	write(t, c, 1, "/in-root", "r")

	got, _, _ := hub.Drain(rootWatch, 0)
	g.Expect(got).To(HaveEach(HaveField("Path", "in-root")))
	got, _, _ = hub.Drain(branchWatch, 0)
	g.Expect(got).To(HaveEach(HaveField("Path", "in-branch")))
	g.Expect(got).NotTo(BeEmpty())
}

func TestHubQueueOverflow(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	c, hub := newWatchedCore(t, WithQueueLimit(2))
	id, _ := hub.RegisterFSEvents(1, []string{""}, ItemCreated)
	for _, name := range []string{"/a", "/b", "/c", "/d"} {
		write(t, c, 1, name, "")
	}

	got, dropped, err := hub.Drain(id, 1)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dropped).To(Equal(uint64(2)))
	g.Expect(got).To(ConsistOf(HaveField("Path", "c")))
	got, dropped, _ = hub.Drain(id, 0)
	g.Expect(dropped).To(BeZero())
	g.Expect(got).To(ConsistOf(HaveField("Path", "d")))
}

func TestHubRegistrations(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	hub := NewHub(func(vfs.PID) vfs.BranchID { return vfs.RootBranchID })

	_, err := hub.RegisterFSEvents(1, nil, 0)
	g.Expect(err).To(HaveOccurred())
	_, err = hub.RegisterKqueue(1, "/a/../b", 0)
	g.Expect(err).To(HaveOccurred())

	a, _ := hub.RegisterKqueue(1, "/a", NoteWrite)
	b, _ := hub.RegisterFSEvents(2, []string{"/x", "/y"}, 0)
	g.Expect(hub.Registrations()).To(HaveLen(2))
	g.Expect(hub.Registrations()[0].ID).To(Equal(a))

	g.Expect(hub.Unregister(a)).To(Succeed())
	g.Expect(hub.Unregister(a)).NotTo(Succeed())
	_, _, err = hub.Drain(a, 0)
	g.Expect(err).To(HaveOccurred())

	g.Expect(hub.UnregisterPID(2)).To(Equal(1))
	g.Expect(hub.Registrations()).To(BeEmpty())
	_ = b

	// Events on an empty hub are ignored.
	hub.Publish(vfs.Event{Kind: vfs.EventCreated, Path: "a", BranchID: vfs.RootBranchID})
}

func TestHubCaseInsensitive(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	hub := NewHub(func(vfs.PID) vfs.BranchID { return vfs.RootBranchID }, WithCaseInsensitive(true))
	id, _ := hub.RegisterKqueue(1, "/Docs/README.md", 0)
	hub.Publish(vfs.Event{Kind: vfs.EventModified, Path: "docs/readme.md", BranchID: vfs.RootBranchID})
	got, _, _ := hub.Drain(id, 0)
	g.Expect(got).To(ConsistOf(HaveField("Flags", NoteWrite)))
}
