package main

import (
	"flag"
	"fmt"
	"log"

	"fundarb/internal/config"
	"fundarb/internal/database"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
		up         = flag.Bool("up", false, "运行数据库迁移")
		down       = flag.Bool("down", false, "回滚最近一次迁移")
		version    = flag.Bool("version", false, "显示当前迁移版本")
		force      = flag.Int("force", -1, "强制设置迁移版本(用于修复脏状态)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置文件失败: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, "migrations")
	if err != nil {
		log.Fatalf("创建迁移器失败: %v", err)
	}

	switch {
	case *up:
		if err := migrator.Up(); err != nil {
			log.Fatalf("迁移失败: %v", err)
		}
		fmt.Println("迁移完成")
	case *down:
		if err := migrator.Down(); err != nil {
			log.Fatalf("回滚失败: %v", err)
		}
		fmt.Println("回滚完成")
	case *force >= 0:
		if err := migrator.Force(*force); err != nil {
			log.Fatalf("强制设置版本失败: %v", err)
		}
		fmt.Printf("已强制设置版本为 %d\n", *force)
	case *version:
		v, err := migrator.Version()
		if err != nil {
			log.Fatalf("获取版本失败: %v", err)
		}
		fmt.Printf("当前迁移版本: %d\n", v)
	default:
		flag.Usage()
	}
}
