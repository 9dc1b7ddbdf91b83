package protocol

import "github.com/blitsync/blit/internal/blockresume"

// PullSyncFile runs the client side of one file's block-resume exchange
// over conn: it waits for the server's hash request, reports its own
// block hashes, then applies each transferred block in place (spec.md
// §4.11's network generalization of internal/copyengine's local
// block-resume algorithm). It is invoked per file by a pull session's
// caller when a destination file already exists and is large enough that
// a block-diff is cheaper than a full refetch, rather than as a step of
// every pull session.
func PullSyncFile(conn *Conn, localPath string) (int64, error) {
	env, err := conn.RecvAny()
	if err != nil {
		return 0, err
	}
	if env.Kind != KindBlockHashRequest || env.BlockHashRequest == nil {
		return 0, unexpected(env.Kind, KindBlockHashRequest)
	}
	req := *env.BlockHashRequest

	var localHashes blockresume.BlockHashes
	if h, err := blockresume.HashFile(localPath, req.BlockSize); err == nil {
		localHashes = h
	} // a missing/unreadable local file reports as zero hashes/zero size, forcing a full transfer

	if err := conn.SendBlockHashes(BlockHashes{
		RelativePath: req.RelativePath,
		Hashes:       localHashes.Hashes,
		Size:         localHashes.Size,
	}); err != nil {
		return 0, err
	}

	for {
		env, err := conn.RecvAny()
		if err != nil {
			return 0, err
		}
		switch env.Kind {
		case KindBlockTransfer:
			bt := *env.BlockTransfer
			if err := blockresume.ApplyBlock(localPath, blockresume.BlockTransfer{
				RelPath: bt.RelativePath,
				Offset:  bt.Offset,
				Content: bt.Content,
			}); err != nil {
				return 0, err
			}
		case KindBlockComplete:
			total := env.BlockComplete.TotalBytes
			if err := blockresume.Finalize(localPath, total); err != nil {
				return 0, err
			}
			return total, nil
		default:
			return 0, unexpected(env.Kind, KindBlockComplete)
		}
	}
}

// PullSyncFileServer runs the server side of the same exchange: it asks
// for the client's existing block hashes, plans which blocks of
// sourcePath differ, and streams just those.
func PullSyncFileServer(conn *Conn, relPath, sourcePath string, blockSize int) (int64, error) {
	blockSize = blockresume.ClampBlockSize(blockSize)

	if err := conn.SendBlockHashRequest(BlockHashRequest{RelativePath: relPath, BlockSize: blockSize}); err != nil {
		return 0, err
	}

	env, err := conn.RecvAny()
	if err != nil {
		return 0, err
	}
	if env.Kind != KindBlockHashes || env.BlockHashes == nil {
		return 0, unexpected(env.Kind, KindBlockHashes)
	}

	diffs, totalSize, err := blockresume.PlanTransfer(sourcePath, blockSize, env.BlockHashes.Hashes)
	if err != nil {
		return 0, err
	}

	for _, d := range diffs {
		content, err := blockresume.ReadBlock(sourcePath, d.Offset, d.Size)
		if err != nil {
			return 0, err
		}
		if err := conn.SendBlockTransfer(BlockTransfer{RelativePath: relPath, Offset: d.Offset, Content: content}); err != nil {
			return 0, err
		}
	}
	if err := conn.SendBlockComplete(BlockComplete{RelativePath: relPath, TotalBytes: totalSize}); err != nil {
		return 0, err
	}
	return totalSize, nil
}
