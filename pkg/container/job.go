package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"

	"github.com/forgehost/forgehost/pkg/apperr"
	"github.com/forgehost/forgehost/pkg/config"
	"github.com/forgehost/forgehost/pkg/log"
)

const (
	innerFragmentsPath = "/baro/fragments/"
	innerVanillaPath   = "/baro/vanilla/"
	innerModPathFmt    = "/baro/mod/%d"
	innerBundlesPath   = "/publish/web/assets/bundles"

	maxAttachOutputBytes = 16 << 20
)

// BuildInput is one item's contribution to a build job: its raw
// downloaded bytes and the parsed package name used in the
// named-load-order argument.
type BuildInput struct {
	ItemPK      int64
	PackageName string
	Data        []byte
}

// JobResult is the outcome of running a build or publish job.
type JobResult struct {
	ExitCode int64
	Output   string
	Fragment []byte // set only by RunBuild
}

// RunBuild drives one build-job container end to end: create, upload
// every item's archive, attach+start, wait, pull the fragments
// directory back out, and delete.
func (c *Client) RunBuild(ctx context.Context, cfg config.Containers, buildPK int64, inputs []BuildInput) (JobResult, error) {
	logger := log.WithBuild(buildPK)

	cmd := []string{"--no-index", "--output", innerFragmentsPath, "--content", innerVanillaPath}
	for _, in := range inputs {
		cmd = append(cmd, fmt.Sprintf(innerModPathFmt, in.ItemPK))
	}
	cmd = append(cmd, "--named-load-order", strconv.FormatInt(buildPK, 10))
	for _, in := range inputs {
		cmd = append(cmd, in.PackageName)
	}

	id, err := c.Create(ctx, Spec{
		Image: cfg.BuildImage,
		Cmd:   cmd,
		HostConfig: HostConfig{
			Binds: []string{cfg.VanillaVolume + ":" + innerVanillaPath + ":ro"},
		},
		Labels: map[string]string{"forgehost.job": uuid.NewString(), "forgehost.kind": "build"},
	})
	if err != nil {
		return JobResult{}, err
	}
	defer func() {
		if err := c.Delete(context.Background(), id); err != nil {
			logger.Warn().Err(err).Str("container_id", id).Msg("best-effort container delete failed")
		}
	}()

	outputCh := make(chan string, 1)
	go func() {
		output, attachErr := c.attachAndCollect(ctx, id)
		if attachErr != nil {
			logger.Warn().Err(attachErr).Msg("attach stream read failed, continuing with empty output")
		}
		outputCh <- output
	}()

	for _, in := range inputs {
		tarBytes, err := decompressToTar(in.Data)
		if err != nil {
			return JobResult{}, apperr.Wrap(apperr.KindContainer, err, "decompress item archive").With("item_pk", in.ItemPK)
		}
		destination := fmt.Sprintf(innerModPathFmt, in.ItemPK)
		if err := c.UploadArchive(ctx, id, destination, bytes.NewReader(tarBytes)); err != nil {
			return JobResult{}, apperr.Wrap(apperr.KindContainer, err, "upload item archive").With("item_pk", in.ItemPK)
		}
	}

	if err := c.Start(ctx, id); err != nil {
		return JobResult{}, err
	}

	exitCode, err := c.Wait(ctx, id)
	if err != nil {
		return JobResult{}, err
	}
	output := <-outputCh

	fragmentTar, err := c.GetArchive(ctx, id, innerFragmentsPath)
	if err != nil {
		return JobResult{}, err
	}
	fragment, err := compressTar(fragmentTar)
	if err != nil {
		return JobResult{}, err
	}

	return JobResult{ExitCode: exitCode, Output: output, Fragment: fragment}, nil
}

// RunPublish drives one publish-job container: create with the secrets
// volume and a tmpfs bundles mount, upload every build's fragment,
// attach+start, wait, delete.
func (c *Client) RunPublish(ctx context.Context, cfg config.Containers, publishPK int64, fragments map[int64][]byte) (JobResult, error) {
	logger := log.WithPublish(publishPK)

	id, err := c.Create(ctx, Spec{
		Image: cfg.PublishImage,
		Env:   []string{"CI=1", "PROJECT_NAME=" + cfg.DeploySiteName},
		HostConfig: HostConfig{
			Binds: []string{cfg.SecretsVolume + ":/run/secrets:ro"},
			Tmpfs: map[string]string{innerBundlesPath: ""},
		},
		Labels: map[string]string{"forgehost.job": uuid.NewString(), "forgehost.kind": "publish"},
	})
	if err != nil {
		return JobResult{}, err
	}
	defer func() {
		if err := c.Delete(context.Background(), id); err != nil {
			logger.Warn().Err(err).Str("container_id", id).Msg("best-effort container delete failed")
		}
	}()

	outputCh := make(chan string, 1)
	go func() {
		output, attachErr := c.attachAndCollect(ctx, id)
		if attachErr != nil {
			logger.Warn().Err(attachErr).Msg("attach stream read failed, continuing with empty output")
		}
		outputCh <- output
	}()

	for buildPK, fragment := range fragments {
		tarBytes, err := decompressToTar(fragment)
		if err != nil {
			return JobResult{}, apperr.Wrap(apperr.KindContainer, err, "decompress build fragment").With("build_pk", buildPK)
		}
		if err := c.UploadArchive(ctx, id, innerBundlesPath, bytes.NewReader(tarBytes)); err != nil {
			return JobResult{}, apperr.Wrap(apperr.KindContainer, err, "upload build fragment").With("build_pk", buildPK)
		}
	}

	if err := c.Start(ctx, id); err != nil {
		return JobResult{}, err
	}

	exitCode, err := c.Wait(ctx, id)
	if err != nil {
		return JobResult{}, err
	}
	output := <-outputCh

	return JobResult{ExitCode: exitCode, Output: output}, nil
}

func (c *Client) attachAndCollect(ctx context.Context, id string) (string, error) {
	stream, err := c.Attach(ctx, id)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	data, err := io.ReadAll(io.LimitReader(stream, maxAttachOutputBytes))
	if err != nil {
		return string(data), err
	}
	return string(data), nil
}
