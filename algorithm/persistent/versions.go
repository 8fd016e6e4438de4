package persistent

import (
	"sync/atomic"

	"github.com/wyfcoding/pstree/xerrors"
)

// VersionID 版本号。从 0 开始连续分配，一经创建永久有效。
type VersionID int

// versionTable 版本号到根节点下标的映射。
// 读者原子地读取根数组快照；写者追加后重新发布。追加只会写入快照长度之外的位置，
// 已发布的快照内容永不改变。
type versionTable struct {
	roots atomic.Pointer[[]NodeIndex]
}

func newVersionTable() *versionTable {
	vt := &versionTable{}
	roots := make([]NodeIndex, 0, 16)
	vt.roots.Store(&roots)
	return vt
}

func (vt *versionTable) snapshot() []NodeIndex {
	return *vt.roots.Load()
}

// publish 追加一个根并返回新版本号，仅限持有写锁的调用方使用。
func (vt *versionTable) publish(root NodeIndex) VersionID {
	next := append(vt.snapshot(), root)
	vt.roots.Store(&next)
	return VersionID(len(next) - 1)
}

func lookupRoot(roots []NodeIndex, v VersionID) (NodeIndex, error) {
	if v < 0 || int(v) >= len(roots) {
		return nullNode, xerrors.ErrUnknownVersion.Clone().
			WithContext("version", int(v)).
			WithContext("versions", len(roots))
	}
	return roots[v], nil
}
