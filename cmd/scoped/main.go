// scoped serves one trial's tensors over HTTP while the training job
// runs (or after it finished).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/stepscope/stepscope/cmd/scoped/handlers"
	"github.com/stepscope/stepscope/pkg/configs/analysis"
	"github.com/stepscope/stepscope/pkg/domain/trial"
	"github.com/stepscope/stepscope/pkg/index"
	"github.com/stepscope/stepscope/pkg/index/fsindex"
	"github.com/stepscope/stepscope/pkg/utils/echoutil"
	"github.com/stepscope/stepscope/pkg/utils/filewatch"
)

func main() {
	configPath := flag.String("config-path", "", "scoped config path")
	loglevel := flag.String("loglevel", "info", "log level. debug|info|warn|error|off")
	pcert := flag.String("cert", "", "certification file for TLS")
	pkey := flag.String("certkey", "", "key of certification file for TLS")
	flag.Parse()

	conf, err := analysis.LoadAnalysisConfig(*configPath)
	if err != nil {
		log.Fatalf("can not read configuration: %s", err)
	}

	e := echo.New()
	e.Pre(middleware.AddTrailingSlash())

	echoutil.SetLevel(e, *loglevel)
	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		e.DefaultHTTPErrorHandler(err, ctx)
		e.Logger.Error(err)
	}
	e.Use(echoutil.LogHandlerFunc)

	// restart (via the process supervisor) when the config changes
	{
		ctx, cancel, err := filewatch.UntilModifyContext(context.Background(), *configPath)
		if err != nil {
			log.Fatalf("can not watch configuration: %s", err)
		}
		defer cancel()
		context.AfterFunc(ctx, func() {
			log.Println("config file is updated. quit to restart server.")
			graceful, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := e.Shutdown(graceful); err != nil {
				log.Printf("error on shutdown by config update: %s", err)
			}
		})
	}

	trialConf := conf.Trial()
	logger := log.New(os.Stderr, "[trial] ", log.LstdFlags)

	var reader index.Reader
	switch trialConf.Strategy() {
	case analysis.StrategyEvents:
		reader = fsindex.NewEventReader(trialConf.Dir(), fsindex.WithEventLogger(logger))
	default:
		reader = fsindex.New(trialConf.Dir(), fsindex.WithLogger(logger))
	}

	t := trial.New(
		trialConf.Name(), reader, trialConf.TrialConfig(), trial.WithLogger(logger),
	)

	api := e.Group("/api")
	if auth := conf.Auth(); auth != nil {
		api.Use(handlers.BearerAuth(auth.Key()))
	}

	collectionName := "collection"
	api.GET("/trial/", handlers.TrialSummaryHandler(t))
	api.GET("/tensors/", handlers.GetTensorsHandler(t))
	api.GET("/values/", handlers.GetTensorValuesHandler(t))
	api.GET("/steps/", handlers.GetStepsHandler(t))
	api.GET("/collections/", handlers.GetCollectionsHandler(t))
	api.GET(
		fmt.Sprintf("/collections/:%s/", collectionName),
		handlers.GetCollectionHandler(t, collectionName),
	)
	api.POST("/wait/", handlers.PostWaitHandler(t))

	addr := fmt.Sprintf(":%d", conf.Port())
	if *pcert != "" && *pkey != "" {
		log.Fatal(e.StartTLS(addr, *pcert, *pkey))
	} else {
		log.Fatal(e.Start(addr))
	}
}
