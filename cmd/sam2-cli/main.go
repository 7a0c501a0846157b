package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/getcharzp/sam2-studio"
	"github.com/getcharzp/sam2-studio/internal/config"
	"github.com/getcharzp/sam2-studio/internal/logger"
	"github.com/getcharzp/sam2-studio/pipeline"
	"github.com/getcharzp/sam2-studio/render"
	"github.com/getcharzp/sam2-studio/sam2"
	"go.uber.org/zap"
)

// prompt 命令行中的一个提示，坐标为原图像素
type prompt struct {
	box    bool
	x0, y0 float32
	x1, y1 float32
	label  sam2.Label
}

// parsePoints 解析 "x,y[,fg|bg];x,y..."
func parsePoints(s string) ([]prompt, error) {
	var out []prompt
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ",")
		if len(parts) != 2 && len(parts) != 3 {
			return nil, fmt.Errorf("点格式错误: %q", item)
		}
		xy, err := parseFloats(parts[:2])
		if err != nil {
			return nil, fmt.Errorf("点格式错误: %q: %w", item, err)
		}
		label := sam2.LabelForeground
		if len(parts) == 3 {
			switch strings.TrimSpace(parts[2]) {
			case "fg", "1", "foreground":
			case "bg", "0", "background":
				label = sam2.LabelBackground
			default:
				return nil, fmt.Errorf("点类型错误: %q", parts[2])
			}
		}
		out = append(out, prompt{x0: xy[0], y0: xy[1], label: label})
	}
	return out, nil
}

// parseBoxes 解析 "x0,y0,x1,y1;..."
func parseBoxes(s string) ([]prompt, error) {
	var out []prompt
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		v, err := parseFloats(strings.Split(item, ","))
		if err != nil || len(v) != 4 {
			return nil, fmt.Errorf("框格式错误: %q", item)
		}
		out = append(out, prompt{box: true, x0: v[0], y0: v[1], x1: v[2], y1: v[3], label: sam2.LabelForeground})
	}
	return out, nil
}

func parseFloats(parts []string) ([]float32, error) {
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v)
	}
	return out, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

// run 执行一次分割，资源在返回前全部释放
func run(args []string) error {
	var configPath, in, out, maskOut, points, boxes, title string
	var timeout time.Duration
	var quality int

	fs := flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	fs.StringVar(&in, "in", "", "输入图片 (jpg/png/webp)")
	fs.StringVar(&out, "out", "output.png", "合成图输出路径，扩展名决定格式")
	fs.StringVar(&maskOut, "mask", "", "覆盖层 PNG 输出路径 (可选)")
	fs.StringVar(&points, "points", "", "提示点 x,y[,fg|bg];... (原图像素坐标)")
	fs.StringVar(&boxes, "boxes", "", "框 x0,y0,x1,y1;... (原图像素坐标)")
	fs.StringVar(&title, "title", "", "分割标题 (默认 Untitled 1)")
	fs.IntVar(&quality, "quality", 90, "jpg/webp 质量 (1-100)")
	fs.DurationVar(&timeout, "timeout", 5*time.Minute, "总超时")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if in == "" || (points == "" && boxes == "") {
		return fmt.Errorf("usage: %s -in input.jpg -points 100,200 [-boxes 10,10,300,300] [-out output.png]", fs.Name())
	}

	cfg := config.New(configPath)
	if err := logger.Init(cfg.Server.Mode); err != nil {
		return err
	}
	defer logger.Sync()

	prompts, err := parseBoxes(boxes)
	if err != nil {
		return err
	}
	pts, err := parsePoints(points)
	if err != nil {
		return err
	}
	prompts = append(prompts, pts...)

	img, err := render.Load(in)
	if err != nil {
		return fmt.Errorf("读取图片失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	mc, err := cfg.Model.SAM2()
	if err != nil {
		return err
	}
	engine, err := sam2.NewEngine(mc)
	if err != nil {
		return fmt.Errorf("初始化引擎失败: %w", err)
	}
	defer engine.Destroy()

	opts := pipeline.DefaultOptions()
	opts.Logger = logger.Named("pipeline")
	opts.MaxRetries = cfg.Pipeline.MaxRetries
	opts.RetryBackoff = cfg.Pipeline.RetryBackoff

	sess, err := pipeline.NewSession(pipeline.Ready(engine), img, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	events, unsubscribe, err := sess.Subscribe(64)
	if err != nil {
		return err
	}
	defer unsubscribe()

	b := img.Bounds()
	frame := sam2.Size{W: float32(b.Dx()), H: float32(b.Dy())}
	for _, p := range prompts {
		if p.box {
			_, err = sess.AddBox(sam2.Coord{X: p.x0, Y: p.y0}, sam2.Coord{X: p.x1, Y: p.y1}, frame, p.label)
		} else {
			_, err = sess.PlacePoint(sam2.Coord{X: p.x0, Y: p.y0}, frame, p.label)
		}
		if err != nil {
			return err
		}
	}

	// 全部提示提交后的序号即为覆盖全部提示的那次推理
	snap, err := sess.Snapshot()
	if err != nil {
		return err
	}
	seg, err := waitResult(ctx, events, snap.Seq)
	if err != nil {
		return fmt.Errorf("分割失败: %w", err)
	}
	if title != "" {
		seg.Title = title
	}
	logger.Logger.Info("segmentation done",
		zap.Float32("score", seg.Score),
		zap.Int("channel", seg.Channel),
		zap.Int("prompts", len(seg.Prompt)),
		zap.String("tint", render.Hex(seg.Tint)),
	)

	drawer, err := vision.NewDefaultTextDrawer()
	if err != nil {
		return err
	}
	defer drawer.Close()

	result := render.Composite(img, []render.Layer{seg.Layer()}, render.Options{Opacity: cfg.Render.Opacity, Drawer: drawer})
	if err := render.Save(out, result, quality); err != nil {
		return fmt.Errorf("保存失败: %w", err)
	}
	if maskOut != "" {
		if err := render.Save(maskOut, seg.Overlay, quality); err != nil {
			return fmt.Errorf("保存失败: %w", err)
		}
	}
	fmt.Printf("score: %.4f, saved to %s\n", seg.Score, out)
	return nil
}

// waitResult 等待序号为 seq 的推理结果，更早的推理事件都已过期，忽略
func waitResult(ctx context.Context, events <-chan pipeline.Event, seq uint64) (*pipeline.Segmentation, error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, pipeline.ErrSessionClosed
			}
			if ev.Seq < seq {
				continue
			}
			switch ev.Kind {
			case pipeline.EventSegmentation:
				return ev.Segmentation, nil
			case pipeline.EventPassFailed:
				return nil, ev.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
