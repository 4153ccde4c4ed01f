package main

import "github.com/eleven-am/voicechat/internal/bootstrap"

func main() {
	bootstrap.Run()
}
